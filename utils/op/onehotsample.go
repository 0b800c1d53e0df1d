package op

import (
	"fmt"
	"hash"
	"hash/fnv"

	"github.com/chewxy/hm"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// oneHotSampleOp is a Gorgonia operation that draws one-hot samples
// from batched categorical distributions using externally supplied
// uniform random numbers. The backward pass is the straight-through
// estimator: the output gradient is passed unchanged to the
// probabilities, and the uniform draws receive no gradient.
type oneHotSampleOp struct {
	groups int
}

// OneHotSample samples one-hot vectors from groups independent
// categorical distributions per batch row.
//
// probs must have shape (batch, groups*classes), where each contiguous
// block of classes columns holds one distribution's probabilities
// (rows of each block summing to 1). u must have shape (batch, groups)
// and hold uniform random numbers in [0, 1), one per distribution; they
// are supplied as a placeholder so that a graph run is a deterministic
// function of its inputs. The category chosen for each group is the
// smallest k whose cumulative probability exceeds the group's draw, and
// the output holds a 1 at that category's column and 0 elsewhere.
//
// On the backward pass the operation is treated as the identity with
// respect to probs (straight-through) and as a constant with respect
// to u.
func OneHotSample(probs, u *G.Node, groups int) (*G.Node, error) {
	if groups < 1 {
		return nil, fmt.Errorf("oneHotSample: groups must be positive \n\t"+
			"have(%v)", groups)
	}
	return G.ApplyOp(&oneHotSampleOp{groups: groups}, probs, u)
}

func (o *oneHotSampleOp) Arity() int { return 2 }

func (o *oneHotSampleOp) Type() hm.Type {
	a := hm.TypeVariable('a')
	b := hm.TypeVariable('b')
	return hm.NewFnType(a, b, a)
}

func (o *oneHotSampleOp) InferShape(inputs ...G.DimSizer) (tensor.Shape,
	error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("oneHotSample: expected 2 inputs, got %v",
			len(inputs))
	}
	return inputs[0].(tensor.Shape), nil
}

func (o *oneHotSampleOp) Do(values ...G.Value) (G.Value, error) {
	if len(values) != 2 {
		return nil, fmt.Errorf("oneHotSample: expected 2 values, got %v",
			len(values))
	}
	probs, ok := values[0].(*tensor.Dense)
	if !ok {
		return nil, fmt.Errorf("oneHotSample: probs must be a dense tensor")
	}
	u, ok := values[1].(*tensor.Dense)
	if !ok {
		return nil, fmt.Errorf("oneHotSample: u must be a dense tensor")
	}
	if probs.Dtype() != tensor.Float64 || u.Dtype() != tensor.Float64 {
		return nil, fmt.Errorf("oneHotSample: only float64 tensors are " +
			"supported")
	}

	shape := probs.Shape()
	rows, cols := shape[0], shape[1]
	if cols%o.groups != 0 {
		return nil, fmt.Errorf("oneHotSample: probs columns must be "+
			"divisible by groups \n\twant(multiple of %v) \n\thave(%v)",
			o.groups, cols)
	}
	if u.Shape()[0] != rows || u.Shape()[1] != o.groups {
		return nil, fmt.Errorf("oneHotSample: invalid u shape "+
			"\n\twant(%v) \n\thave(%v)", tensor.Shape{rows, o.groups},
			u.Shape())
	}
	classes := cols / o.groups

	pData := probs.Data().([]float64)
	uData := u.Data().([]float64)
	out := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for g := 0; g < o.groups; g++ {
			draw := uData[i*o.groups+g]
			base := i*cols + g*classes

			// Inverse CDF: first class whose cumulative probability
			// exceeds the draw. Falls back to the last class if the
			// probabilities sum to slightly less than 1.
			chosen := classes - 1
			acc := 0.0
			for k := 0; k < classes; k++ {
				acc += pData[base+k]
				if draw < acc {
					chosen = k
					break
				}
			}
			out[base+chosen] = 1.0
		}
	}

	return tensor.New(
		tensor.WithShape(rows, cols),
		tensor.WithBacking(out),
	), nil
}

func (o *oneHotSampleOp) ReturnsPtr() bool { return false }

func (o *oneHotSampleOp) CallsExtern() bool { return false }

func (o *oneHotSampleOp) OverwritesInput() int { return -1 }

func (o *oneHotSampleOp) WriteHash(h hash.Hash) {
	fmt.Fprintf(h, "%v-%v", o.String(), o.groups)
}

func (o *oneHotSampleOp) Hashcode() uint32 {
	h := fnv.New32a()
	o.WriteHash(h)
	return h.Sum32()
}

func (o *oneHotSampleOp) String() string { return "OneHotSample" }

// DiffWRT reports that only the probabilities receive a gradient.
func (o *oneHotSampleOp) DiffWRT(inputs int) []bool {
	return []bool{true, false}
}

// SymDiff implements the straight-through estimator: the gradient of
// the output is handed to probs unchanged.
func (o *oneHotSampleOp) SymDiff(inputs G.Nodes, output,
	grad *G.Node) (G.Nodes, error) {
	return G.Nodes{grad, nil}, nil
}
