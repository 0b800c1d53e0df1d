// Package distribution provides probability distributions over nodes
// of a Gorgonia computational graph.
//
// A distribution is constructed from parameter nodes (means, standard
// deviations, logits) and adds nodes for log-probabilities, entropies,
// modes, and samples to the parameters' graph. Sampling is
// reparameterized: the random draws enter the graph through placeholder
// nodes supplied by the caller, so that a graph run is a deterministic
// function of its inputs and gradients flow into the distribution
// parameters where the estimator allows it.
package distribution

import G "gorgonia.org/gorgonia"

// Distribution is a batch of probability distributions, one per row of
// the underlying parameter nodes.
type Distribution interface {
	// LogProb returns a (batch,) node holding the log probability
	// (density) of each row of x.
	LogProb(x *G.Node) (*G.Node, error)

	// Entropy returns a (batch,) node holding each distribution's
	// entropy.
	Entropy() (*G.Node, error)

	// Mode returns the most probable value of each distribution.
	Mode() *G.Node

	// Mean returns the expected value of each distribution.
	Mean() *G.Node
}

// logEpsilon guards logarithms of probabilities against log(0).
const logEpsilon = 1e-8
