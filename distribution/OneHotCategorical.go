package distribution

import (
	"fmt"

	"github.com/samuelfneumann/godreamer/utils/op"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// OneHotCategorical is a batch of groups independent categorical
// distributions per row, each over classes categories, whose samples
// are concatenated one-hot vectors of width groups*classes.
//
// The distribution is parameterized by logits of shape
// (batch, groups*classes). Probabilities are softmaxes per group,
// optionally mixed with a uniform distribution:
//
//	probs = (1-unimix)*softmax(logits) + unimix/classes
//
// which bounds every class probability away from zero and keeps
// log-probabilities and KL divergences finite.
type OneHotCategorical struct {
	logits  *G.Node // (batch, groups*classes)
	probs   *G.Node // (batch, groups*classes)
	probs2D *G.Node // (batch*groups, classes)
	groups  int
	classes int
}

// NewOneHotCategorical returns a batch of one-hot categorical
// distributions over groups independent groups, built from logits of
// shape (batch, groups*classes).
func NewOneHotCategorical(logits *G.Node, groups int,
	unimix float64) (*OneHotCategorical, error) {
	if !logits.IsMatrix() {
		return nil, fmt.Errorf("newonehotcategorical: logits must be a " +
			"matrix")
	}
	if groups < 1 {
		return nil, fmt.Errorf("newonehotcategorical: groups must be "+
			"positive \n\thave(%v)", groups)
	}
	if unimix < 0 || unimix >= 1 {
		return nil, fmt.Errorf("newonehotcategorical: unimix must be in "+
			"[0, 1) \n\thave(%v)", unimix)
	}

	shape := logits.Shape()
	batch, cols := shape[0], shape[1]
	if cols%groups != 0 {
		return nil, fmt.Errorf("newonehotcategorical: logits columns must "+
			"be divisible by groups \n\twant(multiple of %v)\n\thave(%v)",
			groups, cols)
	}
	classes := cols / groups

	// Per-group softmax: reshape so each group is a row, subtract the
	// log-sum-exp, and exponentiate.
	logits2D, err := G.Reshape(logits, tensor.Shape{batch * groups, classes})
	if err != nil {
		return nil, fmt.Errorf("newonehotcategorical: could not reshape "+
			"logits: %v", err)
	}
	lse := op.LogSumExp(logits2D, 1)
	logProbs, err := G.BroadcastSub(logits2D, lse, nil, []byte{1})
	if err != nil {
		return nil, fmt.Errorf("newonehotcategorical: could not normalize "+
			"logits: %v", err)
	}
	probs2D, err := G.Exp(logProbs)
	if err != nil {
		return nil, fmt.Errorf("newonehotcategorical: could not compute "+
			"probs: %v", err)
	}

	if unimix > 0 {
		scaled, err := G.HadamardProd(probs2D, G.NewConstant(1-unimix))
		if err != nil {
			return nil, err
		}
		probs2D, err = G.Add(scaled, G.NewConstant(unimix/float64(classes)))
		if err != nil {
			return nil, err
		}
	}

	probs, err := G.Reshape(probs2D, tensor.Shape{batch, cols})
	if err != nil {
		return nil, fmt.Errorf("newonehotcategorical: could not reshape "+
			"probs: %v", err)
	}

	return &OneHotCategorical{
		logits:  logits,
		probs:   probs,
		probs2D: probs2D,
		groups:  groups,
		classes: classes,
	}, nil
}

// Probs returns the (batch, groups*classes) class-probability node.
func (o *OneHotCategorical) Probs() *G.Node {
	return o.probs
}

// Groups returns the number of independent categorical groups.
func (o *OneHotCategorical) Groups() int {
	return o.groups
}

// LogProb returns a (batch,) node holding the log probability of each
// row of x, a concatenation of one-hot vectors, summed over groups.
func (o *OneHotCategorical) LogProb(x *G.Node) (*G.Node, error) {
	if !x.Shape().Eq(o.probs.Shape()) {
		return nil, fmt.Errorf("logprob: invalid shape \n\twant(%v)"+
			"\n\thave(%v)", o.probs.Shape(), x.Shape())
	}
	logProbs, err := G.Log(G.Must(G.Add(o.probs,
		G.NewConstant(logEpsilon))))
	if err != nil {
		return nil, err
	}
	selected, err := G.HadamardProd(x, logProbs)
	if err != nil {
		return nil, err
	}
	return G.Sum(selected, 1)
}

// Entropy returns a (batch,) node holding the summed entropy of each
// row's groups:
//
//	H = -Σ_g Σ_k p_{g,k} ln p_{g,k}
func (o *OneHotCategorical) Entropy() (*G.Node, error) {
	logProbs, err := G.Log(G.Must(G.Add(o.probs,
		G.NewConstant(logEpsilon))))
	if err != nil {
		return nil, err
	}
	pLogP, err := G.HadamardProd(o.probs, logProbs)
	if err != nil {
		return nil, err
	}
	sum, err := G.Sum(pLogP, 1)
	if err != nil {
		return nil, err
	}
	return G.Neg(sum)
}

// Mode returns a (batch, groups*classes) node holding, per group, a 1
// at each maximum-probability class and 0 elsewhere. Exact ties mark
// every tied class.
func (o *OneHotCategorical) Mode() *G.Node {
	maxes := G.Must(G.Max(o.probs2D, 1)) // (batch*groups,)
	maxCol := G.Must(G.Reshape(maxes,
		tensor.Shape{o.probs2D.Shape()[0], 1}))

	// Tile the per-group maximum across classes with a constant ones
	// row so the comparison is between same-shaped nodes.
	ones := G.NewConstant(tensor.Ones(tensor.Float64, 1, o.classes))
	tiled := G.Must(G.Mul(maxCol, ones))

	mask := G.Must(G.Gte(o.probs2D, tiled, true))
	return G.Must(G.Reshape(mask, o.probs.Shape()))
}

// Mean returns the class-probability node; the expectation of a
// one-hot sample is the probability vector itself.
func (o *OneHotCategorical) Mean() *G.Node {
	return o.probs
}

// Sample returns a one-hot sample node using the straight-through
// estimator. The u node is a placeholder of shape (batch, groups) fed
// with uniform draws in [0, 1) by the caller; on the backward pass the
// sample's gradient passes unchanged to the class probabilities.
func (o *OneHotCategorical) Sample(u *G.Node) (*G.Node, error) {
	return op.OneHotSample(o.probs, u, o.groups)
}

// KL returns a (batch,) node holding the Kullback-Leibler divergence
// KL(o ‖ other), summed over groups. Both distributions must have the
// same batch, group, and class counts.
func (o *OneHotCategorical) KL(other *OneHotCategorical) (*G.Node, error) {
	if !o.probs.Shape().Eq(other.probs.Shape()) || o.groups != other.groups {
		return nil, fmt.Errorf("kl: mismatched shapes \n\twant(%v x %v)"+
			"\n\thave(%v x %v)", o.probs.Shape(), o.groups,
			other.probs.Shape(), other.groups)
	}

	logP, err := G.Log(G.Must(G.Add(o.probs, G.NewConstant(logEpsilon))))
	if err != nil {
		return nil, err
	}
	logQ, err := G.Log(G.Must(G.Add(other.probs,
		G.NewConstant(logEpsilon))))
	if err != nil {
		return nil, err
	}
	diff, err := G.Sub(logP, logQ)
	if err != nil {
		return nil, err
	}
	weighted, err := G.HadamardProd(o.probs, diff)
	if err != nil {
		return nil, err
	}
	return G.Sum(weighted, 1)
}
