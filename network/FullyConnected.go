package network

import (
	"bytes"
	"encoding/gob"
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// fcLayer implements a fully connected layer of a feed forward neural
// network
type fcLayer struct {
	weights *G.Node
	bias    *G.Node
	act     *Activation
}

// newFCLayer adds a new fully connected layer to graph g with weights
// of shape (features, outputs), initialized by init, an optional bias
// unit, and activation act. The layer's weight nodes are named with the
// prefix name.
func newFCLayer(g *G.ExprGraph, name string, features, outputs int,
	bias bool, act *Activation, init G.InitWFn) (*fcLayer, error) {
	if features <= 0 || outputs <= 0 {
		return nil, fmt.Errorf("newfclayer: features and outputs must be "+
			"positive \n\thave(%v, %v)", features, outputs)
	}
	if act == nil || act.IsNil() {
		return nil, fmt.Errorf("newfclayer: activation cannot be nil")
	}

	weights := G.NewMatrix(
		g,
		tensor.Float64,
		G.WithShape(features, outputs),
		G.WithName(name+"W"),
		G.WithInit(init),
	)

	var biasNode *G.Node
	if bias {
		biasNode = G.NewVector(
			g,
			tensor.Float64,
			G.WithShape(outputs),
			G.WithName(name+"B"),
			G.WithInit(G.Zeroes()),
		)
	}

	return &fcLayer{weights: weights, bias: biasNode, act: act}, nil
}

// fwd adds the forward pass of the fcLayer to the computational graph
func (f *fcLayer) fwd(x *G.Node) (*G.Node, error) {
	if f.Weights() != nil {
		x = G.Must(G.Mul(x, f.Weights()))
	}
	if f.Bias() != nil {
		// Broadcast the bias weights to all samples along the batch
		// dimension
		x = G.Must(G.BroadcastAdd(x, f.Bias(), nil, []byte{0}))
	}
	if f.act == nil || f.act.IsNil() || f.act.IsIdentity() {
		return x, nil
	}
	return f.act.fwd(x)
}

// CloneTo clones an fcLayer to a new computational graph
func (f *fcLayer) CloneTo(g *G.ExprGraph) Layer {
	var newWeights, newBias *G.Node

	if f.Weights() != nil {
		newWeights = f.Weights().CloneTo(g)
	}
	if f.Bias() != nil {
		newBias = f.Bias().CloneTo(g)
	}

	return &fcLayer{
		weights: newWeights,
		bias:    newBias,
		act:     f.act,
	}
}

func (f *fcLayer) Bias() *G.Node {
	return f.bias
}

func (f *fcLayer) Weights() *G.Node {
	return f.weights
}

// GobEncode implements the gob.GobEncoder interface, serializing the
// layer's weight values and activation.
func (f *fcLayer) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	if err := enc.Encode(f.act); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode activation: %v",
			err)
	}

	if err := enc.Encode(f.weights.Value().(*tensor.Dense)); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode weights: %v", err)
	}

	hasBias := f.bias != nil
	if err := enc.Encode(hasBias); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode bias flag: %v",
			err)
	}
	if hasBias {
		if err := enc.Encode(f.bias.Value().(*tensor.Dense)); err != nil {
			return nil, fmt.Errorf("gobencode: could not encode bias: %v", err)
		}
	}

	return buf.Bytes(), nil
}

// GobDecode implements the gob.GobDecoder interface. The layer must
// already have been constructed with its target architecture; decoding
// fills in the weight values.
func (f *fcLayer) GobDecode(in []byte) error {
	buf := bytes.NewReader(in)
	dec := gob.NewDecoder(buf)

	var act Activation
	if err := dec.Decode(&act); err != nil {
		return fmt.Errorf("gobdecode: could not decode activation: %v", err)
	}
	f.act = &act

	weights := new(tensor.Dense)
	if err := dec.Decode(weights); err != nil {
		return fmt.Errorf("gobdecode: could not decode weights: %v", err)
	}
	if err := G.Let(f.weights, weights); err != nil {
		return fmt.Errorf("gobdecode: could not set weights: %v", err)
	}

	var hasBias bool
	if err := dec.Decode(&hasBias); err != nil {
		return fmt.Errorf("gobdecode: could not decode bias flag: %v", err)
	}
	if hasBias {
		bias := new(tensor.Dense)
		if err := dec.Decode(bias); err != nil {
			return fmt.Errorf("gobdecode: could not decode bias: %v", err)
		}
		if err := G.Let(f.bias, bias); err != nil {
			return fmt.Errorf("gobdecode: could not set bias: %v", err)
		}
	}

	return nil
}
