package op

import (
	"math"
	"testing"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const tolerance = 1e-10

func matrixNode(g *G.ExprGraph, name string, rows, cols int,
	backing []float64) *G.Node {
	return G.NewMatrix(g, tensor.Float64, G.WithShape(rows, cols),
		G.WithName(name), G.WithValue(tensor.New(
			tensor.WithShape(rows, cols),
			tensor.WithBacking(backing),
		)))
}

func TestStopGradientForwardIdentity(t *testing.T) {
	g := G.NewGraph()
	x := matrixNode(g, "x", 2, 2, []float64{1, -2, 3.5, 0})

	sg, err := StopGradient(x)
	if err != nil {
		t.Fatalf("could not build stop gradient: %v", err)
	}

	var out G.Value
	G.Read(sg, &out)

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("could not run graph: %v", err)
	}

	want := []float64{1, -2, 3.5, 0}
	have := out.Data().([]float64)
	for i := range want {
		if math.Abs(want[i]-have[i]) > tolerance {
			t.Errorf("forward pass is not the identity at %v \n\twant(%v)"+
				"\n\thave(%v)", i, want[i], have[i])
		}
	}
}

func TestStopGradientBlocksBackward(t *testing.T) {
	// loss = sum(sg(x) ⊙ x). If the stop gradient works, dloss/dx is
	// sg(x) = x; without it the gradient of x² would be 2x.
	g := G.NewGraph()
	backing := []float64{1, -2, 3.5, 0.25}
	x := matrixNode(g, "x", 2, 2, backing)

	sg, err := StopGradient(x)
	if err != nil {
		t.Fatalf("could not build stop gradient: %v", err)
	}
	prod, err := G.HadamardProd(sg, x)
	if err != nil {
		t.Fatalf("could not build product: %v", err)
	}
	loss, err := G.Sum(prod)
	if err != nil {
		t.Fatalf("could not build loss: %v", err)
	}

	grads, err := G.Grad(loss, x)
	if err != nil {
		t.Fatalf("could not build gradient: %v", err)
	}

	var grad G.Value
	G.Read(grads[0], &grad)

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("could not run graph: %v", err)
	}

	have := grad.Data().([]float64)
	for i := range backing {
		if math.Abs(backing[i]-have[i]) > tolerance {
			t.Errorf("gradient leaked through the blocked branch at %v"+
				" \n\twant(%v)\n\thave(%v)", i, backing[i], have[i])
		}
	}
}

func TestOneHotSampleForward(t *testing.T) {
	// Two rows, one group of three classes. The inverse CDF picks the
	// first class whose cumulative probability exceeds the draw.
	g := G.NewGraph()
	probs := matrixNode(g, "probs", 2, 3, []float64{
		0.2, 0.3, 0.5,
		0.6, 0.3, 0.1,
	})
	u := matrixNode(g, "u", 2, 1, []float64{0.4, 0.95})

	sample, err := OneHotSample(probs, u, 1)
	if err != nil {
		t.Fatalf("could not build sample: %v", err)
	}

	var out G.Value
	G.Read(sample, &out)

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("could not run graph: %v", err)
	}

	// Row 0: cumulative 0.2, 0.5 — draw 0.4 lands in class 1.
	// Row 1: cumulative 0.6, 0.9, 1.0 — draw 0.95 lands in class 2.
	want := []float64{0, 1, 0, 0, 0, 1}
	have := out.Data().([]float64)
	for i := range want {
		if have[i] != want[i] {
			t.Errorf("wrong sample at %v \n\twant(%v)\n\thave(%v)", i,
				want[i], have[i])
		}
	}
}

func TestOneHotSampleGroups(t *testing.T) {
	// One row, two groups of two classes each
	g := G.NewGraph()
	probs := matrixNode(g, "probs", 2, 4, []float64{
		0.9, 0.1, 0.1, 0.9,
		0.5, 0.5, 0.5, 0.5,
	})
	u := matrixNode(g, "u", 2, 2, []float64{0.5, 0.5, 0.2, 0.7})

	sample, err := OneHotSample(probs, u, 2)
	if err != nil {
		t.Fatalf("could not build sample: %v", err)
	}

	var out G.Value
	G.Read(sample, &out)

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("could not run graph: %v", err)
	}

	want := []float64{1, 0, 0, 1, 1, 0, 0, 1}
	have := out.Data().([]float64)
	for i := range want {
		if have[i] != want[i] {
			t.Errorf("wrong sample at %v \n\twant(%v)\n\thave(%v)", i,
				want[i], have[i])
		}
	}
}

func TestOneHotSampleStraightThrough(t *testing.T) {
	// loss = sum(sample): the straight-through estimator passes the
	// output gradient (all ones) to the probabilities unchanged.
	g := G.NewGraph()
	probs := matrixNode(g, "probs", 2, 3, []float64{
		0.2, 0.3, 0.5,
		0.6, 0.3, 0.1,
	})
	u := matrixNode(g, "u", 2, 1, []float64{0.1, 0.1})

	sample, err := OneHotSample(probs, u, 1)
	if err != nil {
		t.Fatalf("could not build sample: %v", err)
	}
	loss, err := G.Sum(sample)
	if err != nil {
		t.Fatalf("could not build loss: %v", err)
	}

	grads, err := G.Grad(loss, probs)
	if err != nil {
		t.Fatalf("could not build gradient: %v", err)
	}

	var grad G.Value
	G.Read(grads[0], &grad)

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("could not run graph: %v", err)
	}

	have := grad.Data().([]float64)
	for i := range have {
		if math.Abs(have[i]-1) > tolerance {
			t.Errorf("straight-through gradient is not the output "+
				"gradient at %v \n\twant(%v)\n\thave(%v)", i, 1.0, have[i])
		}
	}
}

func TestMinMaxElementwise(t *testing.T) {
	g := G.NewGraph()
	a := matrixNode(g, "a", 2, 2, []float64{1, 5, -3, 0})
	b := matrixNode(g, "b", 2, 2, []float64{2, 4, -4, 0})

	min, err := Min(a, b)
	if err != nil {
		t.Fatalf("could not build min: %v", err)
	}
	max, err := Max(a, b)
	if err != nil {
		t.Fatalf("could not build max: %v", err)
	}

	var minVal, maxVal G.Value
	G.Read(min, &minVal)
	G.Read(max, &maxVal)

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("could not run graph: %v", err)
	}

	wantMin := []float64{1, 4, -4, 0}
	wantMax := []float64{2, 5, -3, 0}
	haveMin := minVal.Data().([]float64)
	haveMax := maxVal.Data().([]float64)
	for i := range wantMin {
		if math.Abs(wantMin[i]-haveMin[i]) > tolerance {
			t.Errorf("wrong min at %v \n\twant(%v)\n\thave(%v)", i,
				wantMin[i], haveMin[i])
		}
		if math.Abs(wantMax[i]-haveMax[i]) > tolerance {
			t.Errorf("wrong max at %v \n\twant(%v)\n\thave(%v)", i,
				wantMax[i], haveMax[i])
		}
	}
}
