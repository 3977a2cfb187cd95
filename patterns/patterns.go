package patterns

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// pairwiseEqual returns the [N, N] boolean matrix v[i] == v[j] for a
// vector v shaped [N].
func pairwiseEqual(v *Node) *Node {
	n := v.Shape().Dimensions[0]
	vi := BroadcastToDims(ExpandDims(v, -1), n, n)
	vj := BroadcastToDims(ExpandDims(v, 0), n, n)
	return Equal(vi, vj)
}

// residue returns v mod k for a non-negative Int32 vector v, computed as
// v - (v/k)*k with integer division.
func residue(v *Node, k int) *Node {
	kConst := ConstAs(v, k)
	return Sub(v, Mul(Div(v, kConst), kConst))
}

// Local1D builds the local sliding-window attention mask: mask[i][j] is true
// iff |i-j| <= window/2. The window counts self-attention plus two wings and
// must therefore be odd. Result is [size, size], Bool.
func Local1D(g *Graph, size, window int) *Node {
	if window%2 != 1 {
		Panicf("Local1D window must be odd (self-attention plus two equal wings), got %d", window)
	}
	ids := Iota(g, shapes.Make(dtypes.Int32, size), 0)
	ii := BroadcastToDims(ExpandDims(ids, -1), size, size)
	jj := BroadcastToDims(ExpandDims(ids, 0), size, size)
	dist := Abs(Sub(ii, jj))
	return LessOrEqual(dist, ConstAs(dist, window/2))
}

// Causal builds the lower-triangular causal mask: position i attends to
// positions j <= i. Result is [size, size], Bool.
func Causal(g *Graph, size int) *Node {
	return LowerTriangular(g, size)
}

// swinTiles builds the unshifted windowed pattern over an H x W grid: two
// cells attend to each other iff they fall in the same window x window tile.
func swinTiles(g *Graph, h, w, window int) *Node {
	rows, cols := Grid2D(g, h, w)
	tileRows := Div(rows, ConstAs(rows, window))
	tileCols := Div(cols, ConstAs(cols, window))
	return LogicalAnd(pairwiseEqual(tileRows), pairwiseEqual(tileCols))
}

// Swin builds the Swin-style windowed attention pattern over an H x W grid,
// partitioned into non-overlapping window x window tiles: mask[i][j] is true
// iff cells i and j fall in the same tile after shifting the grid by shift
// in both axes. Result is [H*W, H*W], Bool.
//
// The shifted pattern is computed literally as the unshifted pattern over a
// grid padded by window on each axis, cropped back to the H x W region
// starting shift cells in. With shift = window/2 this is exactly the
// centered crop of the padded grid, so shifting and pad-compute-crop are
// equivalent by construction.
//
// H and W must be multiples of window, and shift must be in [0, window].
func Swin(g *Graph, h, w, window, shift int) *Node {
	if window <= 0 {
		Panicf("Swin window must be positive, got %d", window)
	}
	if h%window != 0 || w%window != 0 {
		Panicf("Swin grid %dx%d is not partitioned by window %d", h, w, window)
	}
	if shift < 0 || shift > window {
		Panicf("Swin shift must be in [0, window=%d], got %d", window, shift)
	}
	if shift == 0 {
		return swinTiles(g, h, w, window)
	}

	hp, wp := h+window, w+window
	padded := Reshape(swinTiles(g, hp, wp, window), hp, wp, hp, wp)
	cropped := Slice(padded,
		AxisRange(shift, shift+h), AxisRange(shift, shift+w),
		AxisRange(shift, shift+h), AxisRange(shift, shift+w))
	return Reshape(cropped, h*w, h*w)
}

// Dilated2D builds the dilated (strided) attention pattern over an H x W
// grid: cell (r, c) attends to cell (r2, c2) iff r2 = r (mod k) and
// c2 = c (mod k). Each residue class attends independently. Result is
// [H*W, H*W], Bool.
func Dilated2D(g *Graph, h, w, k int) *Node {
	if k <= 0 {
		Panicf("Dilated2D stride must be positive, got %d", k)
	}
	rows, cols := Grid2D(g, h, w)
	return LogicalAnd(
		pairwiseEqual(residue(rows, k)),
		pairwiseEqual(residue(cols, k)))
}

// AlibiSlopes returns the per-head geometric slopes used by ALiBi. For a
// power-of-two head count the slopes form the geometric sequence starting at
// 2^(-8/numHeads); otherwise the nearest power of two is used and the
// remainder is filled with every other slope of the doubled head count.
func AlibiSlopes(numHeads int) []float64 {
	if numHeads <= 0 {
		Panicf("AlibiSlopes requires a positive head count, got %d", numHeads)
	}
	exp := math.Log2(float64(numHeads))
	if exp == math.Trunc(exp) {
		return alibiSlopesPow2(numHeads)
	}
	closest := 1 << int(math.Floor(exp))
	slopes := alibiSlopesPow2(closest)
	extra := alibiSlopesPow2(2 * closest)
	for i := 0; i < len(extra) && len(slopes) < numHeads; i += 2 {
		slopes = append(slopes, extra[i])
	}
	return slopes
}

func alibiSlopesPow2(numHeads int) []float64 {
	start := math.Pow(2, -math.Pow(2, -(math.Log2(float64(numHeads))-3)))
	slopes := make([]float64, numHeads)
	ratio := start
	for i := range slopes {
		slopes[i] = start * math.Pow(ratio, float64(i))
	}
	return slopes
}

// Alibi builds a boolean mask from the ALiBi decay: for head h the weight of
// the pair (i, j) is exp(-slope[h] * |i-j|), and the mask keeps entries
// whose weight is at least threshold. Result is [heads, size, size], Bool.
//
// The (0, 0) corner has zero relative distance, so its weight is exactly 1
// for every head slope; it is nonetheless forced true explicitly rather than
// relying on the floating-point decay arithmetic.
func Alibi(g *Graph, threshold float64, heads, size int) *Node {
	if heads <= 0 || size <= 0 {
		Panicf("Alibi requires positive heads and size, got heads=%d size=%d", heads, size)
	}
	ids := Iota(g, shapes.Make(dtypes.Int32, size), 0)
	ii := BroadcastToDims(ExpandDims(ids, -1), size, size)
	jj := BroadcastToDims(ExpandDims(ids, 0), size, size)
	dist := ConvertDType(Abs(Sub(ii, jj)), dtypes.Float32)
	dist = BroadcastToDims(ExpandDims(dist, 0), heads, size, size)

	slopes64 := AlibiSlopes(heads)
	slopes32 := make([]float32, len(slopes64))
	for i, s := range slopes64 {
		slopes32[i] = float32(s)
	}
	slopes := Reshape(Const(g, slopes32), heads, 1, 1)
	slopes = BroadcastToDims(slopes, heads, size, size)

	decay := Exp(MulScalar(Mul(slopes, dist), -1))
	kept := GreaterOrEqual(decay, ConstAs(decay, threshold))

	// Definitional special case: the zero-distance corner is always kept.
	zero := ScalarZero(g, ids.DType())
	corner := LogicalAnd(Equal(ii, zero), Equal(jj, zero))
	corner = BroadcastToDims(ExpandDims(corner, 0), heads, size, size)
	return LogicalOr(kept, corner)
}
