// Package dynamics implements a recurrent latent dynamics model for
// learning environment dynamics in a compact latent space.
//
// The model maintains a latent state with a deterministic recurrent
// component and a stochastic component, either a collection of
// categorical variables or a diagonal Gaussian. It exposes a posterior
// update (obs step) that incorporates an embedded observation, a prior
// update (img step) that predicts the next latent state from an action
// alone, sequence scans over both, and the KL losses that train the
// prior toward the posterior and regularize the posterior toward the
// prior.
//
// All operations are graph builders: an RSSM is bound to one Gorgonia
// graph at construction and adds nodes to it. Clones of the model can
// be placed on other graphs and kept in sync with Set.
package dynamics

import (
	"fmt"

	"golang.org/x/exp/rand"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Variant selects the stochastic latent's distribution family.
type Variant int

const (
	// Categorical latents are groups of independent categorical
	// variables stored as concatenated one-hot vectors.
	Categorical Variant = iota

	// Gaussian latents are diagonal Gaussian vectors sampled with the
	// reparameterization trick.
	Gaussian
)

// String implements the Stringer interface
func (v Variant) String() string {
	switch v {
	case Categorical:
		return "Categorical"
	case Gaussian:
		return "Gaussian"
	}
	return "UnknownVariant"
}

// State bundles the graph nodes of one batch of latent states. Which
// statistic fields are set depends on the variant: Categorical states
// carry Logit, Gaussian states carry Mean and Std. Stoch and Deter are
// always set.
type State struct {
	variant Variant

	Stoch *G.Node // (batch, stoch dim) sampled stochastic component
	Deter *G.Node // (batch, deter dim) recurrent component

	Logit *G.Node // (batch, stoch dim) categorical only
	Mean  *G.Node // (batch, stoch) Gaussian only
	Std   *G.Node // (batch, stoch) Gaussian only
}

// NewState bundles existing graph nodes into a State. The statistic
// fields may be left nil when downstream consumers use only the sampled
// components, as the prior step and feature construction do.
func NewState(variant Variant, stoch, deter *G.Node) *State {
	return &State{variant: variant, Stoch: stoch, Deter: deter}
}

// Variant returns the state's distribution family.
func (s *State) Variant() Variant {
	return s.variant
}

// Sequence bundles the per-step states of a latent trajectory along
// with time-major concatenations of their components: row block
// [t*batch, (t+1)*batch) of each concatenated node holds timestep t.
type Sequence struct {
	States []*State

	Stoch *G.Node // (time*batch, stoch dim)
	Deter *G.Node // (time*batch, deter dim)
	Feat  *G.Node // (time*batch, feat dim)

	Logit *G.Node // categorical only
	Mean  *G.Node // Gaussian only
	Std   *G.Node // Gaussian only
}

// State bundles the sequence's time-major concatenations as a single
// State, treating the whole trajectory as one large batch of
// time*batch states.
func (s *Sequence) State() *State {
	return &State{
		variant: s.States[0].variant,
		Stoch:   s.Stoch,
		Deter:   s.Deter,
		Logit:   s.Logit,
		Mean:    s.Mean,
		Std:     s.Std,
	}
}

// newSequence concatenates per-step states time-major.
func newSequence(r *RSSM, states []*State) (*Sequence, error) {
	if len(states) == 0 {
		return nil, fmt.Errorf("newsequence: no states")
	}

	seq := &Sequence{States: states}

	stochs := make([]*G.Node, len(states))
	deters := make([]*G.Node, len(states))
	feats := make([]*G.Node, len(states))
	for t, s := range states {
		stochs[t] = s.Stoch
		deters[t] = s.Deter
		feat, err := r.Feat(s)
		if err != nil {
			return nil, fmt.Errorf("newsequence: could not build features "+
				"at step %v: %v", t, err)
		}
		feats[t] = feat
	}

	var err error
	if seq.Stoch, err = concatSteps(stochs); err != nil {
		return nil, fmt.Errorf("newsequence: %v", err)
	}
	if seq.Deter, err = concatSteps(deters); err != nil {
		return nil, fmt.Errorf("newsequence: %v", err)
	}
	if seq.Feat, err = concatSteps(feats); err != nil {
		return nil, fmt.Errorf("newsequence: %v", err)
	}

	switch states[0].variant {
	case Categorical:
		logits := make([]*G.Node, len(states))
		for t, s := range states {
			logits[t] = s.Logit
		}
		if seq.Logit, err = concatSteps(logits); err != nil {
			return nil, fmt.Errorf("newsequence: %v", err)
		}

	case Gaussian:
		means := make([]*G.Node, len(states))
		stds := make([]*G.Node, len(states))
		for t, s := range states {
			means[t] = s.Mean
			stds[t] = s.Std
		}
		if seq.Mean, err = concatSteps(means); err != nil {
			return nil, fmt.Errorf("newsequence: %v", err)
		}
		if seq.Std, err = concatSteps(stds); err != nil {
			return nil, fmt.Errorf("newsequence: %v", err)
		}
	}

	return seq, nil
}

// concatSteps concatenates per-step (batch, dim) nodes along the batch
// axis. A single step is returned unchanged.
func concatSteps(steps []*G.Node) (*G.Node, error) {
	if len(steps) == 1 {
		return steps[0], nil
	}
	return G.Concat(0, steps...)
}

// Noise holds the placeholder node for one step's stochastic draws. The
// RSSM allocates noise placeholders on its graph; the graph's owner
// feeds them once per run with Feed, which makes every run a
// deterministic function of its inputs.
type Noise struct {
	node    *G.Node
	variant Variant
}

// Node returns the placeholder node.
func (n *Noise) Node() *G.Node {
	return n.node
}

// Feed sets the placeholder's value to fresh draws from rng: standard
// Gaussians for Gaussian latents, uniforms in [0, 1) for categorical
// latents.
func (n *Noise) Feed(rng *rand.Rand) error {
	shape := n.node.Shape()
	backing := make([]float64, shape.TotalSize())
	switch n.variant {
	case Gaussian:
		for i := range backing {
			backing[i] = rng.NormFloat64()
		}
	case Categorical:
		for i := range backing {
			backing[i] = rng.Float64()
		}
	}
	return G.Let(n.node, tensor.New(
		tensor.WithShape(shape...),
		tensor.WithBacking(backing),
	))
}
