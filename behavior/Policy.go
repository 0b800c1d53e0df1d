package behavior

import (
	"fmt"

	"github.com/samuelfneumann/godreamer/distribution"
	"github.com/samuelfneumann/godreamer/network"
	"github.com/samuelfneumann/godreamer/utils/tensorutils"
	"golang.org/x/exp/rand"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// policyDist is the surface the behaviors need from a policy
// distribution: the Distribution interface plus placeholder-driven
// sampling.
type policyDist interface {
	distribution.Distribution
	Sample(noise *G.Node) (*G.Node, error)
}

// actorHead couples a policy network with the distribution family its
// outputs parameterize: a diagonal Gaussian over continuous actions
// ("normal") or a single categorical over one-hot actions ("onehot").
type actorHead struct {
	net    *network.FeedForward
	dist   string
	dim    int
	minStd float64
	unimix float64
}

// newActorHead constructs a policy network on g. Gaussian actors
// output means and raw standard deviations side by side; categorical
// actors output logits. The config's Outputs field is derived.
func newActorHead(g *G.ExprGraph, name string, featDim int,
	config network.FeedForwardConfig, dist string, dim int, minStd,
	unimix float64, init G.InitWFn) (*actorHead, error) {
	switch dist {
	case "normal":
		config.Outputs = 2 * dim
	case "onehot":
		config.Outputs = dim
	default:
		return nil, fmt.Errorf("newactorhead: no such distribution: %v", dist)
	}

	net, err := network.NewFeedForward(g, name, featDim, config, init)
	if err != nil {
		return nil, fmt.Errorf("newactorhead: could not create network: %v",
			err)
	}
	return &actorHead{
		net:    net,
		dist:   dist,
		dim:    dim,
		minStd: minStd,
		unimix: unimix,
	}, nil
}

// policy builds the policy distribution at features x.
func (a *actorHead) policy(x *G.Node) (policyDist, error) {
	out, err := a.net.Fwd(x)
	if err != nil {
		return nil, fmt.Errorf("policy: could not compute statistics: %v",
			err)
	}

	switch a.dist {
	case "normal":
		rows := out.Shape()[0]
		mean, err := columns(out, 0, a.dim, rows)
		if err != nil {
			return nil, fmt.Errorf("policy: could not slice mean: %v", err)
		}
		rawStd, err := columns(out, a.dim, 2*a.dim, rows)
		if err != nil {
			return nil, fmt.Errorf("policy: could not slice std: %v", err)
		}

		exp, err := G.Exp(rawStd)
		if err != nil {
			return nil, fmt.Errorf("policy: could not activate std: %v", err)
		}
		sum, err := G.Add(exp, G.NewConstant(1.0))
		if err != nil {
			return nil, fmt.Errorf("policy: could not activate std: %v", err)
		}
		std, err := G.Log(sum)
		if err != nil {
			return nil, fmt.Errorf("policy: could not activate std: %v", err)
		}
		if a.minStd > 0 {
			if std, err = G.Add(std,
				G.NewConstant(a.minStd)); err != nil {
				return nil, fmt.Errorf("policy: could not floor std: %v", err)
			}
		}
		return distribution.NewNormal(mean, std)

	case "onehot":
		return distribution.NewOneHotCategorical(out, 1, a.unimix)
	}
	return nil, fmt.Errorf("policy: no such distribution: %v", a.dist)
}

// noiseWidth returns the per-row width of the noise Sample consumes:
// one standard Gaussian per action dimension, or one uniform draw per
// categorical group.
func (a *actorHead) noiseWidth() int {
	if a.dist == "onehot" {
		return 1
	}
	return a.dim
}

// newNoise allocates a sampling noise placeholder for rows policy
// samples.
func (a *actorHead) newNoise(g *G.ExprGraph, name string,
	rows int) *sampleNoise {
	node := G.NewMatrix(g, tensor.Float64,
		G.WithShape(rows, a.noiseWidth()),
		G.WithName(name),
		G.WithInit(G.Zeroes()))
	return &sampleNoise{node: node, gaussian: a.dist == "normal"}
}

// cloneTo constructs a copy of the head on g with the same weights.
func (a *actorHead) cloneTo(g *G.ExprGraph) (*actorHead, error) {
	net, err := a.net.CloneTo(g)
	if err != nil {
		return nil, fmt.Errorf("cloneto: %v", err)
	}
	clone := *a
	clone.net = net
	return &clone, nil
}

// set sets the head's weights to those of source.
func (a *actorHead) set(source *actorHead) error {
	if a.dist != source.dist || a.dim != source.dim {
		return fmt.Errorf("set: mismatched policy configurations")
	}
	return a.net.Set(source.net)
}

// sampleNoise is a placeholder for policy sampling noise, fed once per
// run so that runs are deterministic functions of their inputs.
type sampleNoise struct {
	node     *G.Node
	gaussian bool
}

// feed sets the placeholder to fresh draws from rng.
func (n *sampleNoise) feed(rng *rand.Rand) error {
	shape := n.node.Shape()
	backing := make([]float64, shape.TotalSize())
	if n.gaussian {
		for i := range backing {
			backing[i] = rng.NormFloat64()
		}
	} else {
		for i := range backing {
			backing[i] = rng.Float64()
		}
	}
	return G.Let(n.node, tensor.New(
		tensor.WithShape(shape...),
		tensor.WithBacking(backing),
	))
}

// klPolicy builds the per-row KL divergence between two policy
// distributions of the same family.
func klPolicy(p, q policyDist) (*G.Node, error) {
	switch pd := p.(type) {
	case *distribution.Normal:
		qd, ok := q.(*distribution.Normal)
		if !ok {
			return nil, fmt.Errorf("klpolicy: mismatched distribution " +
				"families")
		}
		return pd.KL(qd)

	case *distribution.OneHotCategorical:
		qd, ok := q.(*distribution.OneHotCategorical)
		if !ok {
			return nil, fmt.Errorf("klpolicy: mismatched distribution " +
				"families")
		}
		return pd.KL(qd)
	}
	return nil, fmt.Errorf("klpolicy: no such distribution family")
}

// placeholder allocates a zeroed input node fed before each run.
func placeholder(g *G.ExprGraph, name string, rows, cols int) *G.Node {
	return G.NewMatrix(g, tensor.Float64, G.WithShape(rows, cols),
		G.WithName(name), G.WithInit(G.Zeroes()))
}

// columns slices columns [start, end) of a matrix node, restoring the
// (rows, 1) shape that width-1 slices lose.
func columns(x *G.Node, start, end, rows int) (*G.Node, error) {
	out, err := G.Slice(x, nil, tensorutils.NewSlice(start, end, 1))
	if err != nil {
		return nil, err
	}
	if end-start == 1 {
		return G.Reshape(out, tensor.Shape{rows, 1})
	}
	return out, nil
}

// concatRows stacks per-step nodes along the row axis.
func concatRows(nodes []*G.Node) (*G.Node, error) {
	if len(nodes) == 1 {
		return nodes[0], nil
	}
	return G.Concat(0, nodes...)
}

// scaledColumn reshapes a (rows,) node into a column and scales it.
func scaledColumn(x *G.Node, scale float64, rows int) (*G.Node, error) {
	col, err := G.Reshape(x, tensor.Shape{rows, 1})
	if err != nil {
		return nil, err
	}
	return G.HadamardProd(col, G.NewConstant(scale))
}

// readScalar registers a scalar node to be read out on every run.
func readScalar(reads map[string]*G.Value, name string, node *G.Node) {
	val := new(G.Value)
	G.Read(node, val)
	reads[name] = val
}

// cloneValue copies a read value out of the graph's workspace.
func cloneValue(v G.Value) *tensor.Dense {
	return v.(*tensor.Dense).Clone().(*tensor.Dense)
}
