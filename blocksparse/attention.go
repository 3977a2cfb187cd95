package blocksparse

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/ajroetker/sparseattn-gomlx"
	"github.com/ajroetker/sparseattn-gomlx/attention"
	"github.com/ajroetker/sparseattn-gomlx/patterns"
)

func init() {
	sparseattn.RegisterAttention("blocksparse", func() sparseattn.Builder { return &Builder{} })
}

// Attention is the block-sparse attention operator: scaled-dot-product
// attention restricted to the active blocks of a precomputed layout. The
// layout is host-side state fixed at build time; Forward only stamps it into
// the graph as a constant mask.
type Attention struct {
	layout  []int32
	heads   int
	nBlocks int
	mBlocks int
	block   int
}

// New creates a block-sparse attention operator from a layout tensor shaped
// [heads, nBlocks, mBlocks] (or [nBlocks, mBlocks], broadcast over heads)
// with dtype Int32.
func New(layout *tensors.Tensor, block int) (*Attention, error) {
	if block <= 0 {
		return nil, errors.Errorf("block size must be positive, got %d", block)
	}
	if layout.DType() != dtypes.Int32 {
		return nil, errors.Errorf("layout must have dtype Int32, got %s", layout.DType())
	}
	dims := layout.Shape().Dimensions
	a := &Attention{block: block}
	switch layout.Shape().Rank() {
	case 2:
		a.heads, a.nBlocks, a.mBlocks = 1, dims[0], dims[1]
	case 3:
		a.heads, a.nBlocks, a.mBlocks = dims[0], dims[1], dims[2]
	default:
		return nil, errors.Errorf("layout must be shaped [heads, nBlocks, mBlocks] or [nBlocks, mBlocks], got %s", layout.Shape())
	}
	tensors.MustConstFlatData(layout, func(data []int32) {
		a.layout = make([]int32, len(data))
		copy(a.layout, data)
	})
	return a, nil
}

// Layout returns the operator's layout as a host tensor shaped
// [heads, nBlocks, mBlocks].
func (a *Attention) Layout() *tensors.Tensor {
	data := make([]int32, len(a.layout))
	copy(data, a.layout)
	return tensors.FromFlatDataAndDimensions(data, a.heads, a.nBlocks, a.mBlocks)
}

// BlockSize returns the operator's block size.
func (a *Attention) BlockSize() int { return a.block }

// blockMask stamps the layout into g as a boolean mask shaped
// [1, heads, N, M], ready to broadcast against attention scores.
func (a *Attention) blockMask(g *Graph) *Node {
	layout := Reshape(Const(g, a.layout), a.heads, a.nBlocks, a.mBlocks)
	mask := LayoutToMask(layout, a.block)
	return ExpandDims(mask, 0)
}

// Forward computes block-sparse attention. The query sequence length must
// equal nBlocks*block and the key/value length mBlocks*block; the heads
// dimension must match the layout's unless the layout has a single head, in
// which case it broadcasts. Masks follow the Operator contract: a boolean
// attnMask is intersected with the block mask, an additive one is added to
// the scores.
func (a *Attention) Forward(query, key, value, attnMask, keyPaddingMask *Node, scale float64) *Node {
	attention.ValidateQKV(query, key, value)
	qDims := query.Shape().Dimensions
	kDims := key.Shape().Dimensions
	if qDims[2] != a.nBlocks*a.block {
		Panicf("query seq length %d does not match layout %d blocks of size %d", qDims[2], a.nBlocks, a.block)
	}
	if kDims[2] != a.mBlocks*a.block {
		Panicf("key seq length %d does not match layout %d blocks of size %d", kDims[2], a.mBlocks, a.block)
	}
	if a.heads != 1 && qDims[1] != a.heads {
		Panicf("query heads %d do not match layout heads %d", qDims[1], a.heads)
	}

	g := query.Graph()
	scores := Einsum("bhqd,bhkd->bhqk", query, key)
	scores = MulScalar(scores, scale)

	boolMask := a.blockMask(g)
	if attnMask != nil {
		attnMask = attention.ExpandMaskRank(attnMask)
		if attnMask.DType() == dtypes.Bool {
			boolMask = LogicalAnd(boolMask, attnMask)
		} else {
			scores = Add(scores, attnMask)
		}
	}
	if keyPaddingMask != nil {
		scores = Add(scores, attention.ExpandKeyPaddingMask(keyPaddingMask))
	}

	boolMask = BroadcastToShape(boolMask, scores.Shape())
	coefficients := MaskedSoftmax(scores, boolMask, -1)
	return Einsum("bhqk,bhkd->bhqd", coefficients, value)
}

// Builder assembles a block-sparse operator from a config: it reads the
// pattern parameters, generates the dense mask on the build backend, and
// compiles it into the layout the operator carries.
type Builder struct {
	cfg *sparseattn.Config
}

// Name returns the mechanism name.
func (b *Builder) Name() string { return "BlockSparse" }

// Configure validates the block-sparse settings.
func (b *Builder) Configure(cfg *sparseattn.Config) error {
	if cfg.BlockSize <= 0 {
		return errors.Errorf("blocksparse requires a positive %q, got %d", "block_size", cfg.BlockSize)
	}
	if cfg.SeqLen <= 0 {
		return errors.Errorf("blocksparse requires a positive %q, got %d", "seq_len", cfg.SeqLen)
	}
	if cfg.SeqLen%cfg.BlockSize != 0 {
		return errors.Errorf("seq_len %d is not a multiple of block_size %d", cfg.SeqLen, cfg.BlockSize)
	}
	if cfg.NumHeads <= 0 {
		cfg.NumHeads = 1
	}
	if _, err := b.patternFunc(cfg); err != nil {
		return err
	}
	b.cfg = cfg
	return nil
}

// patternFunc resolves the configured pattern into a graph function
// producing the dense [heads, seq, seq] boolean mask the layout is compiled
// from. An empty pattern means every block is active.
func (b *Builder) patternFunc(cfg *sparseattn.Config) (func(g *Graph) *Node, error) {
	heads, size := cfg.NumHeads, cfg.SeqLen

	perHead := func(f func(g *Graph) *Node) func(g *Graph) *Node {
		return func(g *Graph) *Node {
			mask := f(g)
			if cfg.Causal {
				causal := patterns.Causal(g, size)
				if mask.Rank() == 3 {
					causal = BroadcastToDims(ExpandDims(causal, 0), heads, size, size)
				}
				mask = LogicalAnd(mask, causal)
			}
			if mask.Rank() == 2 {
				mask = BroadcastToDims(ExpandDims(mask, 0), heads, size, size)
			}
			return mask
		}
	}

	gridParams := func() (h, w int, err error) {
		h, okH := cfg.GetInt("height")
		w, okW := cfg.GetInt("width")
		if !okH || !okW {
			return 0, 0, errors.Errorf("pattern %q requires %q and %q", cfg.Pattern, "height", "width")
		}
		if h*w != size {
			return 0, 0, errors.Errorf("grid %dx%d does not cover seq_len %d", h, w, size)
		}
		return h, w, nil
	}

	switch cfg.Pattern {
	case "", "full":
		return perHead(func(g *Graph) *Node {
			ids := Iota(g, shapes.Make(dtypes.Int32, size, size), 0)
			return Equal(ids, ids)
		}), nil

	case "local":
		if cfg.WindowSize <= 0 {
			return nil, errors.Errorf("pattern %q requires a positive %q", cfg.Pattern, "window_size")
		}
		return perHead(func(g *Graph) *Node {
			return patterns.Local1D(g, size, cfg.WindowSize)
		}), nil

	case "swin":
		h, w, err := gridParams()
		if err != nil {
			return nil, err
		}
		if cfg.WindowSize <= 0 {
			return nil, errors.Errorf("pattern %q requires a positive %q", cfg.Pattern, "window_size")
		}
		shift, _ := cfg.GetInt("shift_size")
		return perHead(func(g *Graph) *Node {
			return patterns.Swin(g, h, w, cfg.WindowSize, shift)
		}), nil

	case "dilated":
		h, w, err := gridParams()
		if err != nil {
			return nil, err
		}
		dilation, ok := cfg.GetInt("dilation")
		if !ok {
			return nil, errors.Errorf("pattern %q requires %q", cfg.Pattern, "dilation")
		}
		return perHead(func(g *Graph) *Node {
			return patterns.Dilated2D(g, h, w, dilation)
		}), nil

	case "alibi":
		threshold, ok := cfg.GetFloat("threshold")
		if !ok {
			return nil, errors.Errorf("pattern %q requires %q", cfg.Pattern, "threshold")
		}
		return perHead(func(g *Graph) *Node {
			return patterns.Alibi(g, threshold, heads, size)
		}), nil

	case "causal":
		return perHead(func(g *Graph) *Node {
			return patterns.Causal(g, size)
		}), nil

	default:
		return nil, errors.Errorf("unknown blocksparse pattern %q", cfg.Pattern)
	}
}

// Build generates the configured pattern on the backend, compiles its
// layout, and returns the operator carrying it.
func (b *Builder) Build(backend backends.Backend) (sparseattn.Operator, error) {
	cfg := b.cfg
	if cfg == nil {
		return nil, errors.New("blocksparse builder was not configured")
	}

	var layout *tensors.Tensor
	if cfg.Pattern == "" && !cfg.Causal {
		layout = FullLayout(cfg.NumHeads, cfg.NumBlocks(), cfg.NumBlocks())
	} else {
		pattern, err := b.patternFunc(cfg)
		if err != nil {
			return nil, err
		}
		layout, err = ComputeLayout(backend, cfg.BlockSize, pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to compile %q layout", cfg.Pattern)
		}
	}

	op, err := New(layout, cfg.BlockSize)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("built blocksparse attention: %d heads, %dx%d blocks of %d, pattern %q",
		op.heads, op.nBlocks, op.mBlocks, op.block, cfg.Pattern)
	return op, nil
}
