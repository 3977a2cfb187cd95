package blocksparse

import (
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajroetker/sparseattn-gomlx"
	"github.com/ajroetker/sparseattn-gomlx/attention"
	"github.com/ajroetker/sparseattn-gomlx/patterns"
)

// makeQKV builds a deterministic [batch, heads, seq, headDim] input with
// values spread around zero.
func makeQKV(batch, heads, seq, headDim, salt int) []float32 {
	data := make([]float32, batch*heads*seq*headDim)
	for i := range data {
		data[i] = float32((i*37+salt*13)%101)*0.02 - 1.0
	}
	return data
}

func qkvNodes(g *Graph, batch, heads, seq, headDim int) (q, k, v *Node) {
	q = Reshape(Const(g, makeQKV(batch, heads, seq, headDim, 1)), batch, heads, seq, headDim)
	k = Reshape(Const(g, makeQKV(batch, heads, seq, headDim, 2)), batch, heads, seq, headDim)
	v = Reshape(Const(g, makeQKV(batch, heads, seq, headDim, 3)), batch, heads, seq, headDim)
	return
}

func assertAllNear(t *testing.T, diff *tensors.Tensor, tolerance float64) {
	t.Helper()
	data := diff.Value().([][][][]float32)
	for b := range data {
		for h := range data[b] {
			for i := range data[b][h] {
				for j := range data[b][h][i] {
					assert.InDelta(t, 0, data[b][h][i][j], tolerance,
						"difference at [%d][%d][%d][%d]", b, h, i, j)
				}
			}
		}
	}
}

// With every block active the operator is plain dense attention.
func TestAttentionDenseParity(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	batch, heads, seq, headDim, block := 2, 2, 64, 16, 16
	scale := 1.0 / math.Sqrt(float64(headDim))

	op, err := New(FullLayout(heads, seq/block, seq/block), block)
	require.NoError(t, err)

	exec, err := NewExec(backend, func(g *Graph) *Node {
		q, k, v := qkvNodes(g, batch, heads, seq, headDim)
		sparse := op.Forward(q, k, v, nil, nil, scale)
		dense := attention.ScaledDotProduct(q, k, v, nil, nil, scale)
		return Sub(sparse, dense)
	})
	require.NoError(t, err)
	assertAllNear(t, exec.MustExec()[0], 1e-3)
}

// A causal block layout intersected with the elementwise causal mask is
// exactly dense causal attention.
func TestAttentionCausalParity(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	batch, heads, seq, headDim, block := 2, 2, 64, 16, 16
	scale := 1.0 / math.Sqrt(float64(headDim))

	layout, err := ComputeLayout(backend, block, func(g *Graph) *Node {
		return patterns.Causal(g, seq)
	})
	require.NoError(t, err)
	op, err := New(layout, block)
	require.NoError(t, err)

	exec, err := NewExec(backend, func(g *Graph) *Node {
		q, k, v := qkvNodes(g, batch, heads, seq, headDim)
		causal := patterns.Causal(g, seq)
		sparse := op.Forward(q, k, v, causal, nil, scale)
		dense := attention.ScaledDotProduct(q, k, v, causal, nil, scale)
		return Sub(sparse, dense)
	})
	require.NoError(t, err)
	assertAllNear(t, exec.MustExec()[0], 1e-3)
}

// Sub-block structure is coarsened away: masking at block granularity, the
// operator matches dense attention over the layout's expanded mask.
func TestAttentionLayoutMaskParity(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	batch, heads, seq, headDim, block := 2, 2, 64, 16, 16
	scale := 1.0 / math.Sqrt(float64(headDim))

	layout, err := ComputeLayout(backend, block, func(g *Graph) *Node {
		return patterns.Local1D(g, seq, 33)
	})
	require.NoError(t, err)
	op, err := New(layout, block)
	require.NoError(t, err)

	exec, err := NewExec(backend, func(g *Graph) *Node {
		q, k, v := qkvNodes(g, batch, heads, seq, headDim)
		layoutNode := Reshape(Const(g, layoutFlat(layout)), seq/block, seq/block)
		blockMask := ExpandDims(ExpandDims(LayoutToMask(layoutNode, block), 0), 0)
		sparse := op.Forward(q, k, v, nil, nil, scale)
		dense := attention.ScaledDotProduct(q, k, v, blockMask, nil, scale)
		return Sub(sparse, dense)
	})
	require.NoError(t, err)
	assertAllNear(t, exec.MustExec()[0], 1e-3)
}

func layoutFlat(layout *tensors.Tensor) []int32 {
	var flat []int32
	tensors.MustConstFlatData(layout, func(data []int32) {
		flat = make([]int32, len(data))
		copy(flat, data)
	})
	return flat
}

func TestAttentionKeyPaddingMask(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	batch, heads, seq, headDim, block := 2, 2, 64, 16, 16
	scale := 1.0 / math.Sqrt(float64(headDim))

	op, err := New(FullLayout(heads, seq/block, seq/block), block)
	require.NoError(t, err)

	exec, err := NewExec(backend, func(g *Graph) *Node {
		q, k, v := qkvNodes(g, batch, heads, seq, headDim)
		// Drop the last quarter of the keys.
		padding := make([]float32, batch*seq)
		for b := 0; b < batch; b++ {
			for j := 3 * seq / 4; j < seq; j++ {
				padding[b*seq+j] = -1e9
			}
		}
		paddingNode := Reshape(Const(g, padding), batch, seq)
		sparse := op.Forward(q, k, v, nil, paddingNode, scale)
		dense := attention.ScaledDotProduct(q, k, v, nil, paddingNode, scale)
		return Sub(sparse, dense)
	})
	require.NoError(t, err)
	assertAllNear(t, exec.MustExec()[0], 1e-3)
}

func TestAttentionShapeValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	op, err := New(FullLayout(2, 4, 4), 16)
	require.NoError(t, err)

	g := NewGraph(backend, "blocksparse-shape-validation")
	q, k, v := qkvNodes(g, 1, 2, 64, 8)
	short := Reshape(Const(g, makeQKV(1, 2, 32, 8, 4)), 1, 2, 32, 8)
	require.Panics(t, func() { op.Forward(short, k, v, nil, nil, 1) }, "query seq mismatch")
	require.Panics(t, func() { op.Forward(q, short, short, nil, nil, 1) }, "key seq mismatch")

	wrongHeads := Reshape(Const(g, makeQKV(1, 4, 64, 8, 5)), 1, 4, 64, 8)
	require.Panics(t, func() { op.Forward(wrongHeads, wrongHeads, wrongHeads, nil, nil, 1) }, "heads mismatch")
}

func TestNewValidation(t *testing.T) {
	_, err := New(FullLayout(2, 4, 4), 0)
	assert.Error(t, err, "non-positive block")

	floatLayout := tensors.FromFlatDataAndDimensions(make([]float32, 16), 4, 4)
	_, err = New(floatLayout, 16)
	assert.Error(t, err, "wrong dtype")

	rank1 := tensors.FromFlatDataAndDimensions(make([]int32, 4), 4)
	_, err = New(rank1, 16)
	assert.Error(t, err, "wrong rank")

	op, err := New(tensors.FromFlatDataAndDimensions(make([]int32, 16), 4, 4), 16)
	require.NoError(t, err)
	assert.Equal(t, 16, op.BlockSize())
	assert.Equal(t, []int{1, 4, 4}, op.Layout().Shape().Dimensions, "rank 2 layouts gain a heads axis")
}

func TestBuilderConfigure(t *testing.T) {
	parse := func(t *testing.T, content string) *sparseattn.Config {
		cfg, err := sparseattn.ParseConfigContent([]byte(content))
		require.NoError(t, err)
		return cfg
	}

	cases := []struct {
		name    string
		config  string
		wantErr string
	}{
		{"missing block size", `{"name": "blocksparse", "seq_len": 64}`, "block_size"},
		{"missing seq len", `{"name": "blocksparse", "block_size": 16}`, "seq_len"},
		{"indivisible seq len", `{"name": "blocksparse", "seq_len": 65, "block_size": 16}`, "not a multiple"},
		{"unknown pattern", `{"name": "blocksparse", "seq_len": 64, "block_size": 16, "pattern": "mystery"}`, "unknown blocksparse pattern"},
		{"local without window", `{"name": "blocksparse", "seq_len": 64, "block_size": 16, "pattern": "local"}`, "window_size"},
		{"swin without grid", `{"name": "blocksparse", "seq_len": 64, "block_size": 16, "pattern": "swin", "window_size": 2}`, "height"},
		{"swin grid mismatch", `{"name": "blocksparse", "seq_len": 64, "block_size": 16, "pattern": "swin", "window_size": 2, "height": 4, "width": 4}`, "does not cover"},
		{"dilated without dilation", `{"name": "blocksparse", "seq_len": 64, "block_size": 16, "pattern": "dilated", "height": 8, "width": 8}`, "dilation"},
		{"alibi without threshold", `{"name": "blocksparse", "seq_len": 64, "block_size": 16, "pattern": "alibi"}`, "threshold"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			builder, err := sparseattn.NewBuilder("blocksparse")
			require.NoError(t, err)
			err = builder.Configure(parse(t, tc.config))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}

	builder, err := sparseattn.NewBuilder("blocksparse")
	require.NoError(t, err)
	cfg := parse(t, `{"name": "blocksparse", "seq_len": 64, "block_size": 16, "pattern": "local", "window_size": 9}`)
	require.NoError(t, builder.Configure(cfg))
	assert.Equal(t, "BlockSparse", builder.Name())
	assert.Equal(t, 1, cfg.NumHeads, "head count defaults to one")
}

func TestBuilderBuildLocal(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	cfg, err := sparseattn.ParseConfigContent([]byte(
		`{"name": "blocksparse", "num_heads": 2, "seq_len": 64, "dim_head": 16, "block_size": 8, "pattern": "local", "window_size": 9}`))
	require.NoError(t, err)

	op, err := sparseattn.BuildOperator(backend, cfg)
	require.NoError(t, err)
	bsOp, ok := op.(*Attention)
	require.True(t, ok, "expected a blocksparse operator")

	// A window of 9 reaches 4 positions each way: only adjacent blocks of
	// size 8 contain pairs within reach.
	layout := bsOp.Layout().Value().([][][]int32)
	require.Len(t, layout, 2)
	for h := range layout {
		for i := range layout[h] {
			for j := range layout[h][i] {
				want := int32(0)
				if abs(i-j) <= 1 {
					want = 1
				}
				assert.Equal(t, want, layout[h][i][j], "head %d block (%d, %d)", h, i, j)
			}
		}
	}
}

func TestBuilderBuildFull(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	cfg, err := sparseattn.ParseConfigContent([]byte(
		`{"name": "blocksparse", "num_heads": 4, "seq_len": 64, "block_size": 16}`))
	require.NoError(t, err)

	op, err := sparseattn.BuildOperator(backend, cfg)
	require.NoError(t, err)
	bsOp := op.(*Attention)

	layout := bsOp.Layout().Value().([][][]int32)
	require.Len(t, layout, 4)
	for h := range layout {
		for i := range layout[h] {
			for j := range layout[h][i] {
				assert.Equal(t, int32(1), layout[h][i][j], "head %d block (%d, %d)", h, i, j)
			}
		}
	}
}

func TestBuilderBuildCausalLocal(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	cfg, err := sparseattn.ParseConfigContent([]byte(
		`{"name": "blocksparse", "num_heads": 1, "seq_len": 64, "block_size": 8, "pattern": "local", "window_size": 9, "causal": true}`))
	require.NoError(t, err)

	op, err := sparseattn.BuildOperator(backend, cfg)
	require.NoError(t, err)
	layout := op.(*Attention).Layout().Value().([][][]int32)

	for i := range layout[0] {
		for j := range layout[0][i] {
			want := int32(0)
			if j <= i && i-j <= 1 {
				want = 1
			}
			assert.Equal(t, want, layout[0][i][j], "block (%d, %d)", i, j)
		}
	}
}

func TestBuilderBuildAlibi(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	cfg, err := sparseattn.ParseConfigContent([]byte(
		`{"name": "blocksparse", "num_heads": 16, "seq_len": 128, "block_size": 16, "pattern": "alibi", "threshold": 0.001}`))
	require.NoError(t, err)

	op, err := sparseattn.BuildOperator(backend, cfg)
	require.NoError(t, err)
	layout := op.(*Attention).Layout().Value().([][][]int32)

	require.Len(t, layout, 16)
	for h := range layout {
		assert.Equal(t, int32(1), layout[h][0][0], "corner block of head %d", h)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
