package network

import (
	"bytes"
	"encoding/gob"
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// GRU is a gated recurrent unit cell built on a caller-supplied
// computational graph. A single cell holds one set of gate weights;
// Step may be called any number of times to unroll the recurrence over
// a sequence, with every application sharing the same weights.
type GRU struct {
	g      *G.ExprGraph
	name   string
	inputs int
	hidden int

	wr, ur, br *G.Node // reset gate
	wz, uz, bz *G.Node // update gate
	wc, uc, bc *G.Node // candidate state

	learnables G.Nodes
	model      []G.ValueGrad
}

// NewGRU returns a new GRU cell on graph g mapping (batch, inputs)
// inputs and (batch, hidden) hidden states to new (batch, hidden)
// hidden states. Weight nodes are named with the prefix name.
func NewGRU(g *G.ExprGraph, name string, inputs, hidden int,
	init G.InitWFn) (*GRU, error) {
	if inputs <= 0 || hidden <= 0 {
		return nil, fmt.Errorf("newgru: inputs and hidden must be positive"+
			" \n\thave(%v, %v)", inputs, hidden)
	}

	newGate := func(gate string) (w, u, b *G.Node) {
		w = G.NewMatrix(g, tensor.Float64, G.WithShape(inputs, hidden),
			G.WithName(name+"W"+gate), G.WithInit(init))
		u = G.NewMatrix(g, tensor.Float64, G.WithShape(hidden, hidden),
			G.WithName(name+"U"+gate), G.WithInit(init))
		b = G.NewVector(g, tensor.Float64, G.WithShape(hidden),
			G.WithName(name+"B"+gate), G.WithInit(G.Zeroes()))
		return
	}

	cell := &GRU{g: g, name: name, inputs: inputs, hidden: hidden}
	cell.wr, cell.ur, cell.br = newGate("r")
	cell.wz, cell.uz, cell.bz = newGate("z")
	cell.wc, cell.uc, cell.bc = newGate("c")

	return cell, nil
}

// gate computes act(x·w + h·u + b) with the bias broadcast along the
// batch dimension.
func (r *GRU) gate(x, h, w, u, b *G.Node,
	act func(*G.Node) (*G.Node, error)) (*G.Node, error) {
	xw, err := G.Mul(x, w)
	if err != nil {
		return nil, err
	}
	hu, err := G.Mul(h, u)
	if err != nil {
		return nil, err
	}
	sum, err := G.Add(xw, hu)
	if err != nil {
		return nil, err
	}
	sum, err = G.BroadcastAdd(sum, b, nil, []byte{0})
	if err != nil {
		return nil, err
	}
	return act(sum)
}

// Step adds one application of the cell to the computational graph:
// given input x of shape (batch, inputs) and hidden state h of shape
// (batch, hidden), it returns the new hidden state
//
//	reset  = σ(x·Wr + h·Ur + br)
//	update = σ(x·Wz + h·Uz + bz)
//	cand   = tanh(x·Wc + (reset⊙h)·Uc + bc)
//	h'     = update⊙h + (1-update)⊙cand
func (r *GRU) Step(x, h *G.Node) (*G.Node, error) {
	if !x.IsMatrix() || !h.IsMatrix() {
		return nil, fmt.Errorf("step: inputs must be matrices")
	}
	if x.Shape()[1] != r.inputs {
		return nil, fmt.Errorf("step: invalid input width \n\twant(%v)"+
			"\n\thave(%v)", r.inputs, x.Shape()[1])
	}
	if h.Shape()[1] != r.hidden {
		return nil, fmt.Errorf("step: invalid hidden width \n\twant(%v)"+
			"\n\thave(%v)", r.hidden, h.Shape()[1])
	}

	reset, err := r.gate(x, h, r.wr, r.ur, r.br, G.Sigmoid)
	if err != nil {
		return nil, fmt.Errorf("step: could not compute reset gate: %v", err)
	}
	update, err := r.gate(x, h, r.wz, r.uz, r.bz, G.Sigmoid)
	if err != nil {
		return nil, fmt.Errorf("step: could not compute update gate: %v", err)
	}

	resetH, err := G.HadamardProd(reset, h)
	if err != nil {
		return nil, err
	}
	cand, err := r.gate(x, resetH, r.wc, r.uc, r.bc, G.Tanh)
	if err != nil {
		return nil, fmt.Errorf("step: could not compute candidate state: %v",
			err)
	}

	keep, err := G.HadamardProd(update, h)
	if err != nil {
		return nil, err
	}
	gain, err := G.Sub(G.NewConstant(1.0), update)
	if err != nil {
		return nil, err
	}
	gain, err = G.HadamardProd(gain, cand)
	if err != nil {
		return nil, err
	}
	return G.Add(keep, gain)
}

// CloneTo clones the cell onto graph g, copying the current weight
// values.
func (r *GRU) CloneTo(g *G.ExprGraph) (*GRU, error) {
	clone, err := NewGRU(g, r.name, r.inputs, r.hidden, G.Zeroes())
	if err != nil {
		return nil, fmt.Errorf("cloneto: could not construct clone: %v", err)
	}
	if err := clone.Set(r); err != nil {
		return nil, fmt.Errorf("cloneto: could not copy weights: %v", err)
	}
	return clone, nil
}

// Graph returns the computational graph the cell's weights live on.
func (r *GRU) Graph() *G.ExprGraph {
	return r.g
}

// Hidden returns the size of the cell's hidden state.
func (r *GRU) Hidden() int {
	return r.hidden
}

// Set sets the weights of the cell to those of source, which must be a
// GRU of identical architecture.
func (r *GRU) Set(source Network) error {
	return setLearnables(r.Learnables(), source.Learnables())
}

// Polyak sets the weights of the cell to a polyak average between its
// existing weights and those of source.
func (r *GRU) Polyak(source Network, tau float64) error {
	return polyakLearnables(r.Learnables(), source.Learnables(), tau)
}

// Learnables returns the learnable nodes of the cell
func (r *GRU) Learnables() G.Nodes {
	// Lazy instantiation
	if r.learnables == nil {
		r.learnables = G.Nodes{
			r.wr, r.ur, r.br,
			r.wz, r.uz, r.bz,
			r.wc, r.uc, r.bc,
		}
	}
	return r.learnables
}

// Model returns the learnable nodes with their gradients
func (r *GRU) Model() []G.ValueGrad {
	// Lazy instantiation
	if r.model == nil {
		r.model = make([]G.ValueGrad, 0, len(r.Learnables()))
		for _, node := range r.Learnables() {
			r.model = append(r.model, node)
		}
	}
	return r.model
}

// GobEncode implements the gob.GobEncoder interface
func (r *GRU) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	if err := enc.Encode(r.name); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode name: %v", err)
	}
	if err := enc.Encode(r.inputs); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode inputs: %v", err)
	}
	if err := enc.Encode(r.hidden); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode hidden: %v", err)
	}
	for i, node := range r.Learnables() {
		if err := enc.Encode(node.Value().(*tensor.Dense)); err != nil {
			return nil, fmt.Errorf("gobencode: could not encode weight %v: %v",
				i, err)
		}
	}

	return buf.Bytes(), nil
}

// GobDecode implements the gob.GobDecoder interface. The decoded cell
// lives on a fresh graph; use Set to pull its weights into a live cell.
func (r *GRU) GobDecode(in []byte) error {
	buf := bytes.NewReader(in)
	dec := gob.NewDecoder(buf)

	var name string
	if err := dec.Decode(&name); err != nil {
		return fmt.Errorf("gobdecode: could not decode name: %v", err)
	}
	var inputs, hidden int
	if err := dec.Decode(&inputs); err != nil {
		return fmt.Errorf("gobdecode: could not decode inputs: %v", err)
	}
	if err := dec.Decode(&hidden); err != nil {
		return fmt.Errorf("gobdecode: could not decode hidden: %v", err)
	}

	newCell, err := NewGRU(G.NewGraph(), name, inputs, hidden, G.Zeroes())
	if err != nil {
		return fmt.Errorf("gobdecode: could not construct new cell: %v", err)
	}
	for i, node := range newCell.Learnables() {
		weights := new(tensor.Dense)
		if err := dec.Decode(weights); err != nil {
			return fmt.Errorf("gobdecode: could not decode weight %v: %v", i,
				err)
		}
		if err := G.Let(node, weights); err != nil {
			return fmt.Errorf("gobdecode: could not set weight %v: %v", i, err)
		}
	}

	*r = *newCell
	return nil
}
