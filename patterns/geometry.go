// Package patterns generates attention-pattern masks and the geometric
// primitives they are built from.
//
// Everything here is a pure graph function: positions, distances, and masks
// are computed vectorized over all index pairs at once, so they run on
// whatever backend executes the graph. Precondition violations (even window
// sizes, non-divisible grids) are caller bugs and panic via the graph
// exceptions mechanism.
package patterns

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// Grid2D returns the row and column coordinate of every cell of an H x W
// grid in row-major order, each shaped [H*W] with dtype Int32.
func Grid2D(g *Graph, h, w int) (rows, cols *Node) {
	rows = Reshape(Iota(g, shapes.Make(dtypes.Int32, h, w), 0), h*w)
	cols = Reshape(Iota(g, shapes.Make(dtypes.Int32, h, w), 1), h*w)
	return
}

// PairwiseDistance computes the [N, N] matrix of Lp distances between the
// rows of coords, shaped [N, D] with a float dtype.
//
// p = 0 counts the number of differing coordinates (Hamming), following the
// usual pairwise-distance convention; p >= 1 is the standard Lp norm. The
// result is symmetric with a zero diagonal.
func PairwiseDistance(coords *Node, p float64) *Node {
	g := coords.Graph()
	if coords.Rank() != 2 {
		Panicf("PairwiseDistance requires coords shaped [N, D], got %s", coords.Shape())
	}
	if p < 0 {
		Panicf("PairwiseDistance requires p >= 0, got %g", p)
	}
	n := coords.Shape().Dimensions[0]
	d := coords.Shape().Dimensions[1]

	// Pairwise per-coordinate differences: [N, N, D].
	ci := BroadcastToDims(ExpandDims(coords, 1), n, n, d)
	cj := BroadcastToDims(ExpandDims(coords, 0), n, n, d)
	diff := Sub(ci, cj)

	switch p {
	case 0:
		nonZero := NotEqual(diff, ScalarZero(g, diff.DType()))
		return ReduceSum(ConvertDType(nonZero, diff.DType()), -1)
	case 1:
		return ReduceSum(Abs(diff), -1)
	case 2:
		return Sqrt(ReduceSum(Mul(diff, diff), -1))
	default:
		powed := Pow(Abs(diff), ConstAs(diff, p))
		summed := ReduceSum(powed, -1)
		return Pow(summed, ConstAs(summed, 1.0/p))
	}
}

// AxialDistance computes pairwise Lp distances over an H x W grid using only
// the coordinate along one axis: axis 0 selects the row coordinate, axis 1
// the column coordinate. Result is [H*W, H*W], Float32.
func AxialDistance(g *Graph, h, w, axis int, p float64) *Node {
	rows, cols := Grid2D(g, h, w)
	var coord *Node
	switch axis {
	case 0:
		coord = rows
	case 1:
		coord = cols
	default:
		Panicf("AxialDistance axis must be 0 (rows) or 1 (columns), got %d", axis)
	}
	coord = ConvertDType(coord, dtypes.Float32)
	return PairwiseDistance(Reshape(coord, h*w, 1), p)
}

// Local2DDistance computes pairwise Lp distances over an H x W grid using
// both coordinates jointly. Result is [H*W, H*W], Float32.
func Local2DDistance(g *Graph, h, w int, p float64) *Node {
	rows, cols := Grid2D(g, h, w)
	rows = Reshape(ConvertDType(rows, dtypes.Float32), h*w, 1)
	cols = Reshape(ConvertDType(cols, dtypes.Float32), h*w, 1)
	coords := Concatenate([]*Node{rows, cols}, -1)
	return PairwiseDistance(coords, p)
}

// Local2DGaussian computes the dense locality kernel
// exp(-0.5 * d(i,j)^2 / sigma^2) over an H x W grid, where d is the
// Euclidean distance. Result is [H*W, H*W], Float32, real-valued (not a
// boolean mask).
func Local2DGaussian(g *Graph, h, w int, sigma float64) *Node {
	if sigma <= 0 {
		Panicf("Local2DGaussian requires sigma > 0, got %g", sigma)
	}
	d := Local2DDistance(g, h, w, 2)
	return Exp(MulScalar(Mul(d, d), -0.5/(sigma*sigma)))
}
