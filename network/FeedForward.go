package network

import (
	"bytes"
	"encoding/gob"
	"fmt"

	G "gorgonia.org/gorgonia"
)

// FeedForwardConfig describes the architecture of a FeedForward
// network. It is JSON-serializable so that it can ride inside the
// configuration of any component that owns a network.
type FeedForwardConfig struct {
	// Hidden holds the size of each hidden layer
	Hidden []int

	// Biases indicates whether each hidden layer has a bias unit. If
	// nil, every hidden layer gets a bias unit.
	Biases []bool

	// Activations holds the name of each hidden layer's activation.
	// If nil, every hidden layer uses silu.
	Activations []string

	// Outputs is the size of the final, linear output layer, which is
	// always added and always has a bias unit unless OutputBias is
	// explicitly false.
	Outputs    int
	OutputBias bool

	// OutputActivation names the activation of the output layer. The
	// empty string means identity.
	OutputActivation string
}

// Validate returns an error if the configuration cannot construct a
// network.
func (c FeedForwardConfig) Validate() error {
	if c.Outputs <= 0 {
		return fmt.Errorf("validate: outputs must be positive \n\thave(%v)",
			c.Outputs)
	}
	if c.Biases != nil && len(c.Biases) != len(c.Hidden) {
		return fmt.Errorf("validate: invalid number of biases\n\twant(%v)"+
			"\n\thave(%v)", len(c.Hidden), len(c.Biases))
	}
	if c.Activations != nil && len(c.Activations) != len(c.Hidden) {
		return fmt.Errorf("validate: invalid number of activations"+
			"\n\twant(%v)\n\thave(%v)", len(c.Hidden), len(c.Activations))
	}
	if _, err := c.activations(); err != nil {
		return fmt.Errorf("validate: %v", err)
	}
	return nil
}

// biases returns the per-hidden-layer bias flags, applying defaults.
func (c FeedForwardConfig) biases() []bool {
	if c.Biases != nil {
		return c.Biases
	}
	biases := make([]bool, len(c.Hidden))
	for i := range biases {
		biases[i] = true
	}
	return biases
}

// activations returns the per-layer activations, applying defaults. The
// final element is the output layer's activation.
func (c FeedForwardConfig) activations() ([]*Activation, error) {
	acts := make([]*Activation, 0, len(c.Hidden)+1)
	for i := range c.Hidden {
		name := "silu"
		if c.Activations != nil {
			name = c.Activations[i]
		}
		act, err := ActivationFromString(name)
		if err != nil {
			return nil, err
		}
		acts = append(acts, act)
	}

	outAct := Identity()
	if c.OutputActivation != "" {
		var err error
		outAct, err = ActivationFromString(c.OutputActivation)
		if err != nil {
			return nil, err
		}
	}
	return append(acts, outAct), nil
}

// FeedForward is a multi-layered perceptron built on a caller-supplied
// computational graph. Unlike a network owning a private graph, a
// FeedForward adds no input node of its own: Fwd composes the network's
// forward pass onto any matrix node of the correct width, so many
// networks and many applications of one network can share a single
// loss graph.
type FeedForward struct {
	g        *G.ExprGraph
	name     string
	layers   []*fcLayer
	features int
	config   FeedForwardConfig

	learnables G.Nodes
	model      []G.ValueGrad
}

// NewFeedForward returns a new FeedForward network on graph g whose
// weight nodes are named with the prefix name. The network maps
// (batch, features) matrices to (batch, config.Outputs) matrices
// through len(config.Hidden) hidden layers and a final linear layer.
func NewFeedForward(g *G.ExprGraph, name string, features int,
	config FeedForwardConfig, init G.InitWFn) (*FeedForward, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("newfeedforward: invalid config: %v", err)
	}
	if features <= 0 {
		return nil, fmt.Errorf("newfeedforward: features must be positive"+
			" \n\thave(%v)", features)
	}

	sizes := append([]int{}, config.Hidden...)
	sizes = append(sizes, config.Outputs)

	biases := append([]bool{}, config.biases()...)
	biases = append(biases, config.OutputBias)

	acts, err := config.activations()
	if err != nil {
		return nil, fmt.Errorf("newfeedforward: %v", err)
	}

	layers := make([]*fcLayer, len(sizes))
	in := features
	for i := range sizes {
		layer, err := newFCLayer(
			g,
			fmt.Sprintf("%vL%d", name, i),
			in,
			sizes[i],
			biases[i],
			acts[i],
			init,
		)
		if err != nil {
			return nil, fmt.Errorf("newfeedforward: could not create layer "+
				"%v: %v", i, err)
		}
		layers[i] = layer
		in = sizes[i]
	}

	return &FeedForward{
		g:        g,
		name:     name,
		layers:   layers,
		features: features,
		config:   config,
	}, nil
}

// Fwd adds the forward pass of the network on input x to the
// computational graph, returning the output node. The input must be a
// matrix node of shape (batch, Features()) on the network's graph.
func (f *FeedForward) Fwd(x *G.Node) (*G.Node, error) {
	if !x.IsMatrix() {
		return nil, fmt.Errorf("fwd: input must be a matrix")
	}
	if x.Shape()[1] != f.features {
		return nil, fmt.Errorf("fwd: invalid input width \n\twant(%v)"+
			"\n\thave(%v)", f.features, x.Shape()[1])
	}
	if x.Graph() != f.g {
		return nil, fmt.Errorf("fwd: input lives on a different graph")
	}

	pred := x
	var err error
	for i, l := range f.layers {
		if pred, err = l.fwd(pred); err != nil {
			return nil, fmt.Errorf("fwd: could not compute forward pass of "+
				"layer %v: %v", i, err)
		}
	}
	return pred, nil
}

// CloneTo clones the network onto graph g, copying the current weight
// values. The clone's weights are thereafter independent; use Set or
// Polyak to keep them synchronized.
func (f *FeedForward) CloneTo(g *G.ExprGraph) (*FeedForward, error) {
	clone, err := NewFeedForward(g, f.name, f.features, f.config, G.Zeroes())
	if err != nil {
		return nil, fmt.Errorf("cloneto: could not construct clone: %v", err)
	}
	if err := clone.Set(f); err != nil {
		return nil, fmt.Errorf("cloneto: could not copy weights: %v", err)
	}
	return clone, nil
}

// Graph returns the computational graph the network's weights live on.
func (f *FeedForward) Graph() *G.ExprGraph {
	return f.g
}

// Features returns the width of the network's input.
func (f *FeedForward) Features() int {
	return f.features
}

// Outputs returns the width of the network's output.
func (f *FeedForward) Outputs() int {
	return f.config.Outputs
}

// Set sets the weights of the network to those of source, which must
// be a FeedForward of identical architecture.
func (f *FeedForward) Set(source Network) error {
	return setLearnables(f.Learnables(), source.Learnables())
}

// Polyak sets the weights of the network to a polyak average between
// its existing weights and those of source:
//
//	weights = (1 - tau)*weights + tau*sourceWeights
func (f *FeedForward) Polyak(source Network, tau float64) error {
	return polyakLearnables(f.Learnables(), source.Learnables(), tau)
}

// Learnables returns the learnable nodes of the network
func (f *FeedForward) Learnables() G.Nodes {
	// Lazy instantiation
	if f.learnables == nil {
		f.learnables = make(G.Nodes, 0, 2*len(f.layers))
		for i := range f.layers {
			f.learnables = append(f.learnables, f.layers[i].Weights())
			if bias := f.layers[i].Bias(); bias != nil {
				f.learnables = append(f.learnables, bias)
			}
		}
	}
	return f.learnables
}

// Model returns the learnable nodes with their gradients
func (f *FeedForward) Model() []G.ValueGrad {
	// Lazy instantiation
	if f.model == nil {
		f.model = make([]G.ValueGrad, 0, 2*len(f.layers))
		for _, node := range f.Learnables() {
			f.model = append(f.model, node)
		}
	}
	return f.model
}

// GobEncode implements the gob.GobEncoder interface
func (f *FeedForward) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	if err := enc.Encode(f.name); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode name: %v", err)
	}
	if err := enc.Encode(f.features); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode features: %v",
			err)
	}
	if err := enc.Encode(f.config); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode config: %v", err)
	}
	for i, layer := range f.layers {
		if err := enc.Encode(layer); err != nil {
			return nil, fmt.Errorf("gobencode: could not encode layer %v: %v",
				i, err)
		}
	}

	return buf.Bytes(), nil
}

// GobDecode implements the gob.GobDecoder interface. The decoded
// network lives on a fresh graph; use Set to pull its weights into a
// live network.
func (f *FeedForward) GobDecode(in []byte) error {
	buf := bytes.NewReader(in)
	dec := gob.NewDecoder(buf)

	var name string
	if err := dec.Decode(&name); err != nil {
		return fmt.Errorf("gobdecode: could not decode name: %v", err)
	}
	var features int
	if err := dec.Decode(&features); err != nil {
		return fmt.Errorf("gobdecode: could not decode features: %v", err)
	}
	var config FeedForwardConfig
	if err := dec.Decode(&config); err != nil {
		return fmt.Errorf("gobdecode: could not decode config: %v", err)
	}

	newNet, err := NewFeedForward(G.NewGraph(), name, features, config,
		G.Zeroes())
	if err != nil {
		return fmt.Errorf("gobdecode: could not construct new network: %v",
			err)
	}
	for i := range newNet.layers {
		if err := dec.Decode(newNet.layers[i]); err != nil {
			return fmt.Errorf("gobdecode: could not decode layer %v: %v", i,
				err)
		}
	}

	*f = *newNet
	return nil
}
