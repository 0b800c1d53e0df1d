package distribution

import (
	"fmt"
	"math"

	"github.com/samuelfneumann/godreamer/utils/op"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Normal is a batch of diagonal Gaussian distributions. The mean and
// standard deviation nodes must be matrices of identical shape
// (batch, dims); row b holds the parameters of the b-th distribution.
type Normal struct {
	mean *G.Node
	std  *G.Node
}

// NewNormal returns a batch of diagonal Gaussian distributions with
// the given mean and standard deviation nodes.
func NewNormal(mean, std *G.Node) (*Normal, error) {
	if mean.Graph() != std.Graph() {
		return nil, fmt.Errorf("newnormal: mean and std must share a graph")
	}
	if !mean.IsMatrix() || !std.IsMatrix() {
		return nil, fmt.Errorf("newnormal: mean and std must be matrices")
	}
	if !mean.Shape().Eq(std.Shape()) {
		return nil, fmt.Errorf("newnormal: mean and std shapes differ"+
			"\n\twant(%v)\n\thave(%v)", mean.Shape(), std.Shape())
	}
	return &Normal{mean: mean, std: std}, nil
}

// NewUnitNormal returns a batch of Gaussian distributions with the
// given mean and a fixed standard deviation of 1 in every dimension,
// so that the negative log likelihood is squared error up to an
// additive constant. It is the "mse"-style head distribution. The unit
// standard deviation is a non-learnable input node named name+"UnitStd"
// on the mean's graph; name must be unique within that graph.
func NewUnitNormal(mean *G.Node, name string) (*Normal, error) {
	if !mean.IsMatrix() {
		return nil, fmt.Errorf("newunitnormal: mean must be a matrix")
	}
	shape := mean.Shape()
	std := G.NewMatrix(
		mean.Graph(),
		tensor.Float64,
		G.WithShape(shape[0], shape[1]),
		G.WithName(name+"UnitStd"),
		G.WithInit(G.Ones()),
	)
	return NewNormal(mean, std)
}

// LogProb returns a (batch,) node holding the log density of each row
// of x under the corresponding row's Gaussian.
func (n *Normal) LogProb(x *G.Node) (*G.Node, error) {
	if !x.Shape().Eq(n.mean.Shape()) {
		return nil, fmt.Errorf("logprob: invalid shape \n\twant(%v)"+
			"\n\thave(%v)", n.mean.Shape(), x.Shape())
	}
	return op.GaussianLogPdf(n.mean, n.std, x), nil
}

// Entropy returns a (batch,) node holding the entropy of each
// distribution:
//
//	H = Σ_d [ ln σ_d + (1/2) ln(2πe) ]
func (n *Normal) Entropy() (*G.Node, error) {
	logStd, err := G.Log(n.std)
	if err != nil {
		return nil, err
	}
	sum, err := G.Sum(logStd, 1)
	if err != nil {
		return nil, err
	}
	dims := float64(n.mean.Shape()[1])
	c := G.NewConstant(0.5 * dims * math.Log(2*math.Pi*math.E))
	return G.Add(sum, c)
}

// Mode returns the mode of each distribution, which is its mean.
func (n *Normal) Mode() *G.Node {
	return n.mean
}

// Mean returns the mean of each distribution.
func (n *Normal) Mean() *G.Node {
	return n.mean
}

// Std returns the standard deviation node of the distributions.
func (n *Normal) Std() *G.Node {
	return n.std
}

// Sample returns a reparameterized sample node mean + std ⊙ eps. The
// eps node is a placeholder of the same shape as the mean, fed with
// standard Gaussian draws by the caller; gradients flow into both mean
// and std.
func (n *Normal) Sample(eps *G.Node) (*G.Node, error) {
	if !eps.Shape().Eq(n.mean.Shape()) {
		return nil, fmt.Errorf("sample: invalid eps shape \n\twant(%v)"+
			"\n\thave(%v)", n.mean.Shape(), eps.Shape())
	}
	scaled, err := G.HadamardProd(n.std, eps)
	if err != nil {
		return nil, err
	}
	return G.Add(n.mean, scaled)
}

// KL returns a (batch,) node holding the Kullback-Leibler divergence
// KL(n ‖ other) row by row:
//
//	KL = Σ_d [ ln(σ2/σ1) + (σ1² + (μ1-μ2)²)/(2σ2²) − 1/2 ]
func (n *Normal) KL(other *Normal) (*G.Node, error) {
	if !n.mean.Shape().Eq(other.mean.Shape()) {
		return nil, fmt.Errorf("kl: mismatched shapes \n\twant(%v)"+
			"\n\thave(%v)", n.mean.Shape(), other.mean.Shape())
	}

	logRatio, err := G.Log(G.Must(G.HadamardDiv(other.std, n.std)))
	if err != nil {
		return nil, err
	}

	var1, err := G.Square(n.std)
	if err != nil {
		return nil, err
	}
	var2, err := G.Square(other.std)
	if err != nil {
		return nil, err
	}

	diff, err := G.Sub(n.mean, other.mean)
	if err != nil {
		return nil, err
	}
	diff2, err := G.Square(diff)
	if err != nil {
		return nil, err
	}

	num, err := G.Add(var1, diff2)
	if err != nil {
		return nil, err
	}
	frac, err := G.HadamardDiv(num, G.Must(G.HadamardProd(var2,
		G.NewConstant(2.0))))
	if err != nil {
		return nil, err
	}

	elem, err := G.Add(logRatio, frac)
	if err != nil {
		return nil, err
	}
	elem, err = G.Sub(elem, G.NewConstant(0.5))
	if err != nil {
		return nil, err
	}
	return G.Sum(elem, 1)
}
