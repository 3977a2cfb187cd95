package blocksparse

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Host-side block extraction. This is data movement, not graph math: the
// number of active blocks depends on the layout's values, so the output
// shape cannot be fixed at graph-construction time. The flat<->block copy
// convention follows the layout tensor, row-major over
// (head, block-row, block-col).

// checkLayoutFor validates that layout describes x's trailing N x M plane.
// x must be [batch, heads, N, M]; layout must be [heads, N/block, M/block]
// with dtype Int32.
func checkLayoutFor(x, layout *tensors.Tensor, block int) error {
	if block <= 0 {
		return errors.Errorf("block size must be positive, got %d", block)
	}
	if x.Shape().Rank() != 4 {
		return errors.Errorf("tensor must be shaped [batch, heads, N, M], got %s", x.Shape())
	}
	if layout.Shape().Rank() != 3 {
		return errors.Errorf("layout must be shaped [heads, nBlocks, mBlocks], got %s", layout.Shape())
	}
	if layout.DType() != dtypes.Int32 {
		return errors.Errorf("layout must have dtype Int32, got %s", layout.DType())
	}
	xDims := x.Shape().Dimensions
	lDims := layout.Shape().Dimensions
	if xDims[1] != lDims[0] {
		return errors.Errorf("tensor heads (%d) disagree with layout heads (%d)", xDims[1], lDims[0])
	}
	if xDims[2] != lDims[1]*block || xDims[3] != lDims[2]*block {
		return errors.Errorf("tensor trailing dims %dx%d do not match layout %dx%d blocks of size %d",
			xDims[2], xDims[3], lDims[1], lDims[2], block)
	}
	return nil
}

// BlockSparsifyTensor extracts the active blocks of a dense tensor.
//
// x is [batch, heads, N, M] and layout is [heads, N/block, M/block]; the
// result is [batch, nnz, block, block] where nnz counts the nonzero layout
// entries, ordered row-major over (head, block-row, block-col). This is the
// compact form a block-sparse kernel consumes: together with the layout it
// is lossless, and sparsifying a mask composes with the kernel's own
// masking element-for-element within active blocks.
//
// Supported dtypes are Float32 and Float64.
func BlockSparsifyTensor(x, layout *tensors.Tensor, block int) (*tensors.Tensor, error) {
	if err := checkLayoutFor(x, layout, block); err != nil {
		return nil, errors.Wrap(err, "BlockSparsifyTensor")
	}
	switch x.DType() {
	case dtypes.Float32:
		return blockSparsify[float32](x, layout, block), nil
	case dtypes.Float64:
		return blockSparsify[float64](x, layout, block), nil
	default:
		return nil, errors.Errorf("BlockSparsifyTensor: unsupported dtype %s", x.DType())
	}
}

func blockSparsify[T float32 | float64](x, layout *tensors.Tensor, block int) *tensors.Tensor {
	xDims := x.Shape().Dimensions
	batch, heads, n, m := xDims[0], xDims[1], xDims[2], xDims[3]
	nBlocks, mBlocks := n/block, m/block

	var out *tensors.Tensor
	tensors.MustConstFlatData(layout, func(layoutData []int32) {
		nnz := 0
		for _, v := range layoutData {
			if v != 0 {
				nnz++
			}
		}
		outData := make([]T, batch*nnz*block*block)
		tensors.MustConstFlatData(x, func(xData []T) {
			blockIdx := 0
			for h := 0; h < heads; h++ {
				for bi := 0; bi < nBlocks; bi++ {
					for bj := 0; bj < mBlocks; bj++ {
						if layoutData[(h*nBlocks+bi)*mBlocks+bj] == 0 {
							continue
						}
						for z := 0; z < batch; z++ {
							for r := 0; r < block; r++ {
								src := ((z*heads+h)*n+(bi*block+r))*m + bj*block
								dst := ((z*nnz+blockIdx)*block + r) * block
								copy(outData[dst:dst+block], xData[src:src+block])
							}
						}
						blockIdx++
					}
				}
			}
		})
		out = tensors.FromFlatDataAndDimensions(outData, batch, nnz, block, block)
	})
	return out
}

// MaskTensor returns a copy of x with every inactive block (layout entry 0)
// filled with the given value. x is [batch, heads, N, M] and layout is
// [heads, N/block, M/block]. Filling with -inf before a softmax reproduces
// what a block-sparse softmax computes on the active blocks.
//
// Supported dtypes are Float32 and Float64.
func MaskTensor(x, layout *tensors.Tensor, block int, fill float64) (*tensors.Tensor, error) {
	if err := checkLayoutFor(x, layout, block); err != nil {
		return nil, errors.Wrap(err, "MaskTensor")
	}
	switch x.DType() {
	case dtypes.Float32:
		return maskTensor(x, layout, block, float32(fill)), nil
	case dtypes.Float64:
		return maskTensor(x, layout, block, fill), nil
	default:
		return nil, errors.Errorf("MaskTensor: unsupported dtype %s", x.DType())
	}
}

func maskTensor[T float32 | float64](x, layout *tensors.Tensor, block int, fill T) *tensors.Tensor {
	xDims := x.Shape().Dimensions
	batch, heads, n, m := xDims[0], xDims[1], xDims[2], xDims[3]
	nBlocks, mBlocks := n/block, m/block

	var out *tensors.Tensor
	tensors.MustConstFlatData(x, func(xData []T) {
		outData := make([]T, len(xData))
		copy(outData, xData)
		tensors.MustConstFlatData(layout, func(layoutData []int32) {
			for h := 0; h < heads; h++ {
				for bi := 0; bi < nBlocks; bi++ {
					for bj := 0; bj < mBlocks; bj++ {
						if layoutData[(h*nBlocks+bi)*mBlocks+bj] != 0 {
							continue
						}
						for z := 0; z < batch; z++ {
							for r := 0; r < block; r++ {
								base := ((z*heads+h)*n+(bi*block+r))*m + bj*block
								for c := 0; c < block; c++ {
									outData[base+c] = fill
								}
							}
						}
					}
				}
			}
		})
		out = tensors.FromFlatDataAndDimensions(outData, batch, heads, n, m)
	})
	return out
}
