// Package network provides graph-building blocks for neural networks.
//
// Unlike a network that owns its own computational graph, the types in
// this package are constructed on a caller-supplied graph so that many
// networks can be composed into a single loss. A network may be cloned
// onto another graph with CloneTo, after which Set and Polyak keep the
// copies' weights synchronized across graphs.
package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Network is the interface of all neural networks. A Network holds
// learnable weight nodes on a single computational graph and adds its
// forward pass to that graph on demand.
type Network interface {
	// Graph returns the computational graph the network's weights
	// live on.
	Graph() *G.ExprGraph

	// Learnables returns the nodes of the network that can be learned
	Learnables() G.Nodes

	// Model returns the learnable nodes with their gradients
	Model() []G.ValueGrad

	// Set sets the weights of the network to those of a network of
	// identical architecture, which may live on another graph.
	Set(source Network) error

	// Polyak blends the weights of the network toward those of a
	// network of identical architecture:
	//
	//	weights = (1 - tau)*weights + tau*sourceWeights
	Polyak(source Network, tau float64) error
}

// Layer is a single layer of a neural network.
type Layer interface {
	fwd(x *G.Node) (*G.Node, error)
	CloneTo(g *G.ExprGraph) Layer
	Weights() *G.Node
	Bias() *G.Node
}

// setLearnables sets the values of each node in dest to the value of
// the corresponding node in source.
func setLearnables(dest, source G.Nodes) error {
	if len(dest) != len(source) {
		return fmt.Errorf("setlearnables: invalid number of learnables"+
			"\n\twant(%v)\n\thave(%v)", len(dest), len(source))
	}
	for i, destLearnable := range dest {
		sourceLearnable := source[i].Clone()
		err := G.Let(destLearnable, sourceLearnable.(*G.Node).Value())
		if err != nil {
			return fmt.Errorf("setlearnables: could not set learnable %v: %v",
				i, err)
		}
	}
	return nil
}

// polyakLearnables sets the value of each node in dest to a polyak
// average between its existing value and that of the corresponding node
// in source.
func polyakLearnables(dest, source G.Nodes, tau float64) error {
	if len(dest) != len(source) {
		return fmt.Errorf("polyaklearnables: invalid number of learnables"+
			"\n\twant(%v)\n\thave(%v)", len(dest), len(source))
	}
	for i := range dest {
		weights := dest[i].Value().(*tensor.Dense)
		sourceWeights := source[i].Value().(*tensor.Dense)

		weights, err := weights.MulScalar(1-tau, true)
		if err != nil {
			return err
		}

		sourceWeights, err = sourceWeights.MulScalar(tau, true)
		if err != nil {
			return err
		}

		var newWeights *tensor.Dense
		newWeights, err = weights.Add(sourceWeights)
		if err != nil {
			return err
		}

		err = G.Let(dest[i], newWeights)
		if err != nil {
			return err
		}
	}
	return nil
}
