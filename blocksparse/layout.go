// Package blocksparse compiles dense attention masks into block-level
// layouts and implements the attention operator driven by them.
//
// A layout is the block-granularity summary of a mask: entry (h, i, j) is 1
// iff any element of block (i, j) of head h's mask is nonzero. The kernel
// computes densely inside active blocks and skips inactive ones entirely, so
// the layout is exactly the information it needs.
package blocksparse

import (
	"slices"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
)

// PatternToLayout downsamples a dense attention mask into a block layout.
//
// mask is shaped (..., N, M) with arbitrary leading batch/head dimensions
// and either a Bool or a float dtype (nonzero means allowed). Both N and M
// must be exact multiples of block; anything else is a caller bug and
// panics. The result is shaped (..., N/block, M/block) with dtype Int32 and
// values 0/1.
//
// The reduction is a reshape into (..., N/block, block, M/block, block)
// tiles followed by an OR-reduction (max over the 0/1 integers) of the two
// block axes, without per-element iteration.
func PatternToLayout(mask *Node, block int) *Node {
	g := mask.Graph()
	if block <= 0 {
		Panicf("PatternToLayout block size must be positive, got %d", block)
	}
	rank := mask.Rank()
	if rank < 2 {
		Panicf("PatternToLayout mask must be at least rank 2, got %s", mask.Shape())
	}
	dims := mask.Shape().Dimensions
	n, m := dims[rank-2], dims[rank-1]
	if n%block != 0 || m%block != 0 {
		Panicf("PatternToLayout mask trailing dims %dx%d are not multiples of block %d", n, m, block)
	}

	if mask.DType() != dtypes.Bool {
		mask = NotEqual(mask, ScalarZero(g, mask.DType()))
	}
	bits := ConvertDType(mask, dtypes.Int32)

	tiled := slices.Clone(dims[:rank-2])
	tiled = append(tiled, n/block, block, m/block, block)
	bits = Reshape(bits, tiled...)

	// The two block axes sit at positions rank-1 and rank+1 of the tiled
	// shape (leading dims unchanged).
	return ReduceMax(bits, rank-1, rank+1)
}

// LayoutToMask expands a block layout back to a dense boolean mask: each
// layout entry is replicated over a block x block tile. layout is shaped
// (..., nBlocks, mBlocks); the result is (..., nBlocks*block, mBlocks*block)
// with dtype Bool. It is the lossy inverse of PatternToLayout: sub-block
// structure of the original mask is gone, which matches what a block-sparse
// kernel computes (dense within active blocks).
func LayoutToMask(layout *Node, block int) *Node {
	g := layout.Graph()
	if block <= 0 {
		Panicf("LayoutToMask block size must be positive, got %d", block)
	}
	rank := layout.Rank()
	if rank < 2 {
		Panicf("LayoutToMask layout must be at least rank 2, got %s", layout.Shape())
	}
	dims := layout.Shape().Dimensions
	nb, mb := dims[rank-2], dims[rank-1]

	expanded := ExpandDims(layout, -1) // (..., nb, mb, 1)
	expanded = ExpandDims(expanded, -3) // (..., nb, 1, mb, 1)
	tiled := slices.Clone(dims[:rank-2])
	tiled = append(tiled, nb, block, mb, block)
	expanded = BroadcastToDims(expanded, tiled...)

	dense := slices.Clone(dims[:rank-2])
	dense = append(dense, nb*block, mb*block)
	expanded = Reshape(expanded, dense...)
	return NotEqual(expanded, ScalarZero(g, expanded.DType()))
}

// ComputeLayout evaluates a pattern graph function on the given backend and
// compiles it into a host layout tensor, shaped like the pattern's
// dimensions divided by block, dtype Int32.
func ComputeLayout(backend backends.Backend, block int, pattern func(g *Graph) *Node) (*tensors.Tensor, error) {
	exec, err := NewExec(backend, func(g *Graph) *Node {
		return PatternToLayout(pattern(g), block)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to build layout computation")
	}
	return exec.MustExec()[0], nil
}

// FullLayout returns a host layout tensor of all ones: every block active,
// i.e. dense attention expressed as a layout.
func FullLayout(heads, nBlocks, mBlocks int) *tensors.Tensor {
	data := make([]int32, heads*nBlocks*mBlocks)
	for i := range data {
		data[i] = 1
	}
	return tensors.FromFlatDataAndDimensions(data, heads, nBlocks, mBlocks)
}
