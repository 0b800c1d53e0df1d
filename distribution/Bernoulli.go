package distribution

import (
	"fmt"

	G "gorgonia.org/gorgonia"
)

// Bernoulli is a batch of independent Bernoulli distributions
// parameterized by logits of shape (batch, dims). It is the
// distribution of the continuation head, whose targets are 0/1
// continuation flags.
type Bernoulli struct {
	logits *G.Node
	probs  *G.Node
}

// NewBernoulli returns a batch of Bernoulli distributions with the
// given logits node.
func NewBernoulli(logits *G.Node) (*Bernoulli, error) {
	if !logits.IsMatrix() {
		return nil, fmt.Errorf("newbernoulli: logits must be a matrix")
	}
	probs, err := G.Sigmoid(logits)
	if err != nil {
		return nil, fmt.Errorf("newbernoulli: could not compute probs: %v",
			err)
	}
	return &Bernoulli{logits: logits, probs: probs}, nil
}

// LogProb returns a (batch,) node holding the log probability of each
// row of x, whose entries must be 0 or 1, summed over dimensions:
//
//	ln p(x) = Σ_d [ x ln p + (1-x) ln(1-p) ]
func (b *Bernoulli) LogProb(x *G.Node) (*G.Node, error) {
	if !x.Shape().Eq(b.probs.Shape()) {
		return nil, fmt.Errorf("logprob: invalid shape \n\twant(%v)"+
			"\n\thave(%v)", b.probs.Shape(), x.Shape())
	}

	logP, err := G.Log(G.Must(G.Add(b.probs, G.NewConstant(logEpsilon))))
	if err != nil {
		return nil, err
	}
	on, err := G.HadamardProd(x, logP)
	if err != nil {
		return nil, err
	}

	oneMinusP, err := G.Sub(G.NewConstant(1.0), b.probs)
	if err != nil {
		return nil, err
	}
	logQ, err := G.Log(G.Must(G.Add(oneMinusP, G.NewConstant(logEpsilon))))
	if err != nil {
		return nil, err
	}
	oneMinusX, err := G.Sub(G.NewConstant(1.0), x)
	if err != nil {
		return nil, err
	}
	off, err := G.HadamardProd(oneMinusX, logQ)
	if err != nil {
		return nil, err
	}

	sum, err := G.Add(on, off)
	if err != nil {
		return nil, err
	}
	return G.Sum(sum, 1)
}

// Entropy returns a (batch,) node holding the summed entropy of each
// row's Bernoulli dimensions.
func (b *Bernoulli) Entropy() (*G.Node, error) {
	logP, err := G.Log(G.Must(G.Add(b.probs, G.NewConstant(logEpsilon))))
	if err != nil {
		return nil, err
	}
	pLogP, err := G.HadamardProd(b.probs, logP)
	if err != nil {
		return nil, err
	}

	oneMinusP, err := G.Sub(G.NewConstant(1.0), b.probs)
	if err != nil {
		return nil, err
	}
	logQ, err := G.Log(G.Must(G.Add(oneMinusP, G.NewConstant(logEpsilon))))
	if err != nil {
		return nil, err
	}
	qLogQ, err := G.HadamardProd(oneMinusP, logQ)
	if err != nil {
		return nil, err
	}

	sum, err := G.Add(pLogP, qLogQ)
	if err != nil {
		return nil, err
	}
	sum, err = G.Sum(sum, 1)
	if err != nil {
		return nil, err
	}
	return G.Neg(sum)
}

// Mode returns a node holding 1 where p > 0.5 and 0 elsewhere.
func (b *Bernoulli) Mode() *G.Node {
	half := G.NewConstant(0.5)
	return G.Must(G.Gt(b.probs, half, true))
}

// Mean returns the success-probability node.
func (b *Bernoulli) Mean() *G.Node {
	return b.probs
}
