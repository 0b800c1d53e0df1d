package network

import (
	"bytes"
	"encoding/gob"
	"math"
	"testing"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const tolerance = 1e-10

func testConfig() FeedForwardConfig {
	return FeedForwardConfig{
		Hidden:     []int{8},
		Outputs:    3,
		OutputBias: true,
	}
}

func inputNode(g *G.ExprGraph, rows, cols int) *G.Node {
	backing := make([]float64, rows*cols)
	for i := range backing {
		backing[i] = float64(i%5) - 2
	}
	return G.NewMatrix(g, tensor.Float64, G.WithShape(rows, cols),
		G.WithName("input"), G.WithValue(tensor.New(
			tensor.WithShape(rows, cols),
			tensor.WithBacking(backing),
		)))
}

// values clones the current weight values of a network's learnables.
func values(net Network) [][]float64 {
	out := make([][]float64, 0, len(net.Learnables()))
	for _, node := range net.Learnables() {
		data := node.Value().Data().([]float64)
		clone := make([]float64, len(data))
		copy(clone, data)
		out = append(out, clone)
	}
	return out
}

func TestFeedForwardShape(t *testing.T) {
	g := G.NewGraph()
	net, err := NewFeedForward(g, "Net", 4, testConfig(), G.GlorotU(1.0))
	if err != nil {
		t.Fatalf("could not create network: %v", err)
	}

	out, err := net.Fwd(inputNode(g, 5, 4))
	if err != nil {
		t.Fatalf("could not build forward pass: %v", err)
	}

	var val G.Value
	G.Read(out, &val)

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("could not run graph: %v", err)
	}

	want := tensor.Shape{5, 3}
	if !val.Shape().Eq(want) {
		t.Errorf("invalid output shape \n\twant(%v)\n\thave(%v)", want,
			val.Shape())
	}
}

func TestFeedForwardInvalidInputWidth(t *testing.T) {
	g := G.NewGraph()
	net, err := NewFeedForward(g, "Net", 4, testConfig(), G.GlorotU(1.0))
	if err != nil {
		t.Fatalf("could not create network: %v", err)
	}
	if _, err := net.Fwd(inputNode(g, 5, 6)); err == nil {
		t.Error("expected error for invalid input width")
	}
}

func TestFeedForwardCloneToAndSet(t *testing.T) {
	g1 := G.NewGraph()
	net, err := NewFeedForward(g1, "Net", 4, testConfig(), G.GlorotU(1.0))
	if err != nil {
		t.Fatalf("could not create network: %v", err)
	}

	g2 := G.NewGraph()
	clone, err := net.CloneTo(g2)
	if err != nil {
		t.Fatalf("could not clone network: %v", err)
	}
	if clone.Graph() != g2 {
		t.Fatal("clone lives on the wrong graph")
	}

	// The clone starts with the source's weights
	wantAll := values(net)
	haveAll := values(clone)
	for i := range wantAll {
		for j := range wantAll[i] {
			if wantAll[i][j] != haveAll[i][j] {
				t.Fatalf("clone weights differ at node %v index %v", i, j)
			}
		}
	}

	// Re-initialize the source, then re-sync the clone
	net2, err := NewFeedForward(g1, "Net2", 4, testConfig(),
		G.Gaussian(0, 0.5))
	if err != nil {
		t.Fatalf("could not create network: %v", err)
	}
	if err := clone.Set(net2); err != nil {
		t.Fatalf("could not set weights: %v", err)
	}

	wantAll = values(net2)
	haveAll = values(clone)
	for i := range wantAll {
		for j := range wantAll[i] {
			if wantAll[i][j] != haveAll[i][j] {
				t.Fatalf("set weights differ at node %v index %v", i, j)
			}
		}
	}
}

func TestFeedForwardPolyak(t *testing.T) {
	const tau = 0.25

	g1 := G.NewGraph()
	dest, err := NewFeedForward(g1, "Dest", 4, testConfig(),
		G.GlorotU(1.0))
	if err != nil {
		t.Fatalf("could not create network: %v", err)
	}
	g2 := G.NewGraph()
	source, err := NewFeedForward(g2, "Source", 4, testConfig(),
		G.Gaussian(0, 1))
	if err != nil {
		t.Fatalf("could not create network: %v", err)
	}

	before := values(dest)
	sourceVals := values(source)

	if err := dest.Polyak(source, tau); err != nil {
		t.Fatalf("could not blend weights: %v", err)
	}

	after := values(dest)
	for i := range after {
		for j := range after[i] {
			want := (1-tau)*before[i][j] + tau*sourceVals[i][j]
			if math.Abs(want-after[i][j]) > tolerance {
				t.Errorf("wrong blend at node %v index %v \n\twant(%v)"+
					"\n\thave(%v)", i, j, want, after[i][j])
			}
		}
	}
}

func TestFeedForwardGobRoundTrip(t *testing.T) {
	g1 := G.NewGraph()
	net, err := NewFeedForward(g1, "Net", 4, testConfig(), G.GlorotU(1.0))
	if err != nil {
		t.Fatalf("could not create network: %v", err)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(net); err != nil {
		t.Fatalf("could not encode network: %v", err)
	}

	decoded := new(FeedForward)
	if err := gob.NewDecoder(&buf).Decode(decoded); err != nil {
		t.Fatalf("could not decode network: %v", err)
	}

	g2 := G.NewGraph()
	restored, err := NewFeedForward(g2, "Restored", 4, testConfig(),
		G.Zeroes())
	if err != nil {
		t.Fatalf("could not create network: %v", err)
	}
	if err := restored.Set(decoded); err != nil {
		t.Fatalf("could not restore weights: %v", err)
	}

	want := values(net)
	have := values(restored)
	for i := range want {
		for j := range want[i] {
			if want[i][j] != have[i][j] {
				t.Errorf("restored weights differ at node %v index %v"+
					" \n\twant(%v)\n\thave(%v)", i, j, want[i][j],
					have[i][j])
			}
		}
	}
}

func TestGRUStep(t *testing.T) {
	const inputs, hidden, batch = 3, 5, 4

	g := G.NewGraph()
	cell, err := NewGRU(g, "Cell", inputs, hidden, G.GlorotU(1.0))
	if err != nil {
		t.Fatalf("could not create cell: %v", err)
	}
	if cell.Hidden() != hidden {
		t.Errorf("wrong hidden size \n\twant(%v)\n\thave(%v)", hidden,
			cell.Hidden())
	}

	x := inputNode(g, batch, inputs)
	h := G.NewMatrix(g, tensor.Float64, G.WithShape(batch, hidden),
		G.WithName("state"), G.WithInit(G.Zeroes()))

	next, err := cell.Step(x, h)
	if err != nil {
		t.Fatalf("could not build step: %v", err)
	}

	var val G.Value
	G.Read(next, &val)

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("could not run graph: %v", err)
	}

	want := tensor.Shape{batch, hidden}
	if !val.Shape().Eq(want) {
		t.Fatalf("invalid state shape \n\twant(%v)\n\thave(%v)", want,
			val.Shape())
	}

	// Re-running the same graph on the same inputs must reproduce the
	// same next state.
	first := make([]float64, len(val.Data().([]float64)))
	copy(first, val.Data().([]float64))

	vm.Reset()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("could not rerun graph: %v", err)
	}
	second := val.Data().([]float64)
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("state is not deterministic at %v \n\twant(%v)"+
				"\n\thave(%v)", i, first[i], second[i])
		}
	}
}

func TestGRUPolyakAndSet(t *testing.T) {
	const tau = 0.5

	g1 := G.NewGraph()
	dest, err := NewGRU(g1, "Dest", 3, 4, G.GlorotU(1.0))
	if err != nil {
		t.Fatalf("could not create cell: %v", err)
	}
	g2 := G.NewGraph()
	source, err := NewGRU(g2, "Source", 3, 4, G.Gaussian(0, 1))
	if err != nil {
		t.Fatalf("could not create cell: %v", err)
	}

	before := values(dest)
	sourceVals := values(source)

	if err := dest.Polyak(source, tau); err != nil {
		t.Fatalf("could not blend weights: %v", err)
	}
	after := values(dest)
	for i := range after {
		for j := range after[i] {
			want := (1-tau)*before[i][j] + tau*sourceVals[i][j]
			if math.Abs(want-after[i][j]) > tolerance {
				t.Errorf("wrong blend at node %v index %v \n\twant(%v)"+
					"\n\thave(%v)", i, j, want, after[i][j])
			}
		}
	}

	if err := dest.Set(source); err != nil {
		t.Fatalf("could not set weights: %v", err)
	}
	after = values(dest)
	for i := range after {
		for j := range after[i] {
			if after[i][j] != sourceVals[i][j] {
				t.Errorf("set weights differ at node %v index %v", i, j)
			}
		}
	}
}
