// Package attention implements the dense scaled-dot-product attention
// operator used as the numerical reference for the sparse mechanisms, plus
// the mask-handling helpers shared with them.
//
// All operators use the [batch, heads, seq, head_dim] layout.
package attention

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"

	"github.com/ajroetker/sparseattn-gomlx"
)

func init() {
	sparseattn.RegisterAttention("scaled_dot_product", func() sparseattn.Builder { return &Builder{} })
}

// ValidateQKV checks that query/key/value follow the
// [batch, heads, seq, head_dim] layout and agree with each other. Panics on
// violation; shape mismatches are caller bugs, never silently reshaped.
func ValidateQKV(query, key, value *Node) {
	if query.Rank() != 4 {
		Panicf("query must be shaped [batch, heads, seq, head_dim], got %s", query.Shape())
	}
	if key.Rank() != 4 {
		Panicf("key must be shaped [batch, heads, seq, head_dim], got %s", key.Shape())
	}
	if value.Rank() != 4 {
		Panicf("value must be shaped [batch, heads, seq, head_dim], got %s", value.Shape())
	}
	q, k, v := query.Shape(), key.Shape(), value.Shape()
	if q.DType != k.DType || q.DType != v.DType {
		Panicf("query, key and value must share a dtype, got query=%s key=%s value=%s", q, k, v)
	}
	if q.Dimensions[0] != k.Dimensions[0] || q.Dimensions[1] != k.Dimensions[1] {
		Panicf("query and key disagree on batch/heads: query=%s key=%s", q, k)
	}
	if q.Dimensions[3] != k.Dimensions[3] {
		Panicf("query and key disagree on head_dim: query=%s key=%s", q, k)
	}
	if k.Dimensions[2] != v.Dimensions[2] || k.Dimensions[0] != v.Dimensions[0] || k.Dimensions[1] != v.Dimensions[1] {
		Panicf("key and value disagree on batch/heads/seq: key=%s value=%s", k, v)
	}
}

// BooleanToAdditiveMask converts a boolean mask to an additive float mask in
// the given dtype: true becomes 0.0 (attend), false becomes -1e9 (mask out).
func BooleanToAdditiveMask(mask *Node, dtype dtypes.DType) *Node {
	g := mask.Graph()
	zero := ScalarZero(g, dtype)
	largeNeg := ConstAs(zero, float32(-1e9))
	return Where(mask, zero, largeNeg)
}

// ExpandMaskRank prefixes size-1 axes until mask is rank 4, so lower-rank
// masks broadcast against [batch, heads, q_seq, kv_seq] scores.
func ExpandMaskRank(mask *Node) *Node {
	if mask.Rank() > 4 {
		Panicf("attention mask must be at most rank 4, got %s", mask.Shape())
	}
	for mask.Rank() < 4 {
		mask = ExpandDims(mask, 0)
	}
	return mask
}

// ExpandKeyPaddingMask reshapes an additive key-padding mask from
// [batch, kv_seq] to [batch, 1, 1, kv_seq] so it broadcasts against scores.
func ExpandKeyPaddingMask(mask *Node) *Node {
	if mask.Rank() != 2 {
		Panicf("key padding mask must be shaped [batch, kv_seq], got %s", mask.Shape())
	}
	dims := mask.Shape().Dimensions
	return Reshape(mask, dims[0], 1, 1, dims[1])
}

// ScaledDotProduct computes dense scaled-dot-product attention:
// softmax(scale * Q @ K^T + masks) @ V.
//
// attnMask may be nil, boolean (true means attend; applied via
// MaskedSoftmax), or an additive float mask; either form must broadcast to
// [batch, heads, q_seq, kv_seq]. keyPaddingMask may be nil or an additive
// float mask shaped [batch, kv_seq].
func ScaledDotProduct(query, key, value, attnMask, keyPaddingMask *Node, scale float64) *Node {
	ValidateQKV(query, key, value)

	scores := Einsum("bhqd,bhkd->bhqk", query, key)
	scores = MulScalar(scores, scale)

	var boolMask *Node
	if attnMask != nil {
		attnMask = ExpandMaskRank(attnMask)
		if attnMask.DType() == dtypes.Bool {
			boolMask = attnMask
		} else {
			scores = Add(scores, attnMask)
		}
	}
	if keyPaddingMask != nil {
		scores = Add(scores, ExpandKeyPaddingMask(keyPaddingMask))
	}

	var coefficients *Node
	if boolMask != nil {
		boolMask = BroadcastToShape(boolMask, scores.Shape())
		coefficients = MaskedSoftmax(scores, boolMask, -1)
	} else {
		coefficients = Softmax(scores, -1)
	}
	return Einsum("bhqk,bhkd->bhqd", coefficients, value)
}

// Builder registers dense scaled-dot-product attention with the mechanism
// registry. It carries no precomputed state.
type Builder struct {
	cfg *sparseattn.Config
}

// Name returns the mechanism name.
func (b *Builder) Name() string { return "ScaledDotProduct" }

// Configure records the config; the dense mechanism has no specific settings.
func (b *Builder) Configure(cfg *sparseattn.Config) error {
	b.cfg = cfg
	return nil
}

// Build returns the stateless dense operator. The backend is unused: the
// graph runs on whichever backend executes it.
func (b *Builder) Build(backend backends.Backend) (sparseattn.Operator, error) {
	return sdpaOperator{}, nil
}

type sdpaOperator struct{}

func (sdpaOperator) Forward(query, key, value, attnMask, keyPaddingMask *Node, scale float64) *Node {
	return ScaledDotProduct(query, key, value, attnMask, keyPaddingMask, scale)
}
