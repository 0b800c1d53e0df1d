package op

import (
	"fmt"
	"hash"
	"hash/fnv"

	"github.com/chewxy/hm"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// stopGradientOp is a Gorgonia operation that acts as the identity on
// the forward pass and blocks all gradient flow on the backward pass.
// Symbolic differentiation treats the input edge as non-differentiable,
// so no gradient ever propagates into the subgraph beneath it.
type stopGradientOp struct{}

// StopGradient returns a node equal in value to x whose gradient with
// respect to anything beneath x is identically zero. It is the
// graph-level detach operation: losses built on StopGradient(x) treat
// x as a constant.
func StopGradient(x *G.Node) (*G.Node, error) {
	return G.ApplyOp(&stopGradientOp{}, x)
}

func (s *stopGradientOp) Arity() int { return 1 }

func (s *stopGradientOp) Type() hm.Type {
	a := hm.TypeVariable('a')
	return hm.NewFnType(a, a)
}

func (s *stopGradientOp) InferShape(inputs ...G.DimSizer) (tensor.Shape, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("stopGradient: expected 1 input, got %v",
			len(inputs))
	}
	return inputs[0].(tensor.Shape), nil
}

func (s *stopGradientOp) Do(values ...G.Value) (G.Value, error) {
	if len(values) != 1 {
		return nil, fmt.Errorf("stopGradient: expected 1 value, got %v",
			len(values))
	}

	// Clone so that downstream in-place operations cannot corrupt the
	// input's backing data.
	if t, ok := values[0].(tensor.Tensor); ok {
		return t.Clone().(tensor.Tensor), nil
	}
	return values[0], nil
}

func (s *stopGradientOp) ReturnsPtr() bool { return false }

func (s *stopGradientOp) CallsExtern() bool { return false }

func (s *stopGradientOp) OverwritesInput() int { return -1 }

func (s *stopGradientOp) WriteHash(h hash.Hash) { fmt.Fprint(h, s.String()) }

func (s *stopGradientOp) Hashcode() uint32 {
	h := fnv.New32a()
	s.WriteHash(h)
	return h.Sum32()
}

func (s *stopGradientOp) String() string { return "StopGradient" }

// DiffWRT reports that the operation is differentiable with respect to
// none of its inputs. This is what stops the gradient.
func (s *stopGradientOp) DiffWRT(inputs int) []bool { return []bool{false} }

// SymDiff never contributes a gradient to the input.
func (s *stopGradientOp) SymDiff(inputs G.Nodes, output,
	grad *G.Node) (G.Nodes, error) {
	return G.Nodes{nil}, nil
}
