package returns

import (
	"math"
	"testing"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const tolerance = 1e-10

// column creates a (2, 1) input node holding the given values.
func column(g *G.ExprGraph, name string, a, b float64) *G.Node {
	return G.NewMatrix(g, tensor.Float64, G.WithShape(2, 1),
		G.WithName(name), G.WithValue(tensor.New(
			tensor.WithShape(2, 1),
			tensor.WithBacking([]float64{a, b}),
		)))
}

// columns creates one (2, 1) node per step, where rows[i][t] is the
// value of row i at step t.
func columns(g *G.ExprGraph, name string, rows [2][]float64) []*G.Node {
	steps := len(rows[0])
	nodes := make([]*G.Node, steps)
	for t := 0; t < steps; t++ {
		nodes[t] = column(g, name+string(rune('a'+t)), rows[0][t],
			rows[1][t])
	}
	return nodes
}

// runTargets evaluates the lambda-return over a fixed 3-step, 2-row
// fixture and returns the two target nodes' values as [target][row].
func runTargets(t *testing.T, lambda float64, reward, value,
	discount [2][]float64) [][]float64 {
	t.Helper()

	g := G.NewGraph()
	targets, err := LambdaReturn(
		columns(g, "reward", reward),
		columns(g, "value", value),
		columns(g, "discount", discount),
		lambda,
	)
	if err != nil {
		t.Fatalf("could not build targets: %v", err)
	}

	reads := make([]G.Value, len(targets))
	for i, target := range targets {
		G.Read(target, &reads[i])
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("could not run graph: %v", err)
	}

	out := make([][]float64, len(targets))
	for i, read := range reads {
		out[i] = read.Data().([]float64)
	}
	return out
}

func TestLambdaReturnValidates(t *testing.T) {
	g := G.NewGraph()
	one := []*G.Node{column(g, "r", 1, 1)}

	if _, err := LambdaReturn(one, one, one, 0.5); err == nil {
		t.Error("expected error for horizon below 2")
	}

	two := []*G.Node{column(g, "a", 1, 1), column(g, "b", 1, 1)}
	if _, err := LambdaReturn(two, one, two, 0.5); err == nil {
		t.Error("expected error for mismatched sequence lengths")
	}
	if _, err := LambdaReturn(two, two, two, 1.5); err == nil {
		t.Error("expected error for lambda above 1")
	}
}

func TestLambdaReturnOneStepTD(t *testing.T) {
	reward := [2][]float64{{0, 1, 2}, {0, -1, 3}}
	value := [2][]float64{{5, 6, 7}, {2, 3, 4}}
	discount := [2][]float64{{0.9, 0.9, 0.9}, {0.9, 0.9, 0}}

	targets := runTargets(t, 0, reward, value, discount)

	// With lambda 0, target[t] = r[t+1] + d[t+1]*v[t+1]
	for i := 0; i < 2; i++ {
		for step := 0; step < 2; step++ {
			want := reward[i][step+1] + discount[i][step+1]*value[i][step+1]
			have := targets[step][i]
			if math.Abs(want-have) > tolerance {
				t.Errorf("row %v target %v \n\twant(%v)\n\thave(%v)", i,
					step, want, have)
			}
		}
	}
}

func TestLambdaReturnMonteCarlo(t *testing.T) {
	reward := [2][]float64{{0, 1, 2}, {0, -1, 3}}
	value := [2][]float64{{5, 6, 7}, {2, 3, 4}}
	discount := [2][]float64{{0.9, 0.8, 0.7}, {1, 0.5, 0.25}}

	targets := runTargets(t, 1, reward, value, discount)

	// With lambda 1, target[t] is the discounted sum of future rewards
	// bootstrapped at the final value.
	for i := 0; i < 2; i++ {
		last := reward[i][2] + discount[i][2]*value[i][2]
		if math.Abs(targets[1][i]-last) > tolerance {
			t.Errorf("row %v final target \n\twant(%v)\n\thave(%v)", i,
				last, targets[1][i])
		}

		first := reward[i][1] + discount[i][1]*last
		if math.Abs(targets[0][i]-first) > tolerance {
			t.Errorf("row %v first target \n\twant(%v)\n\thave(%v)", i,
				first, targets[0][i])
		}
	}
}

func TestLambdaReturnFixture(t *testing.T) {
	const lambda = 0.95
	reward := [2][]float64{{0, 0.5, -0.5}, {0, 2, 1}}
	value := [2][]float64{{1, 1.5, 2}, {0.5, 0.25, 0.75}}
	discount := [2][]float64{{0.9, 0.9, 0.9}, {0.9, 0.45, 0.9}}

	targets := runTargets(t, lambda, reward, value, discount)

	for i := 0; i < 2; i++ {
		last := reward[i][2] + discount[i][2]*value[i][2]
		first := reward[i][1] + discount[i][1]*
			((1-lambda)*value[i][1]+lambda*last)

		if math.Abs(targets[1][i]-last) > tolerance {
			t.Errorf("row %v final target \n\twant(%v)\n\thave(%v)", i,
				last, targets[1][i])
		}
		if math.Abs(targets[0][i]-first) > tolerance {
			t.Errorf("row %v first target \n\twant(%v)\n\thave(%v)", i,
				first, targets[0][i])
		}
	}
}

func TestDiscountWeights(t *testing.T) {
	g := G.NewGraph()
	discount := [2][]float64{{0.5, 0.8, 0.9}, {1, 0, 0.9}}
	nodes := columns(g, "discount", discount)

	weights, err := DiscountWeights(nodes)
	if err != nil {
		t.Fatalf("could not build weights: %v", err)
	}
	if len(weights) != 3 {
		t.Fatalf("wrong number of weights \n\twant(%v)\n\thave(%v)", 3,
			len(weights))
	}

	reads := make([]G.Value, len(weights))
	for i, w := range weights {
		G.Read(w, &reads[i])
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("could not run graph: %v", err)
	}

	for i := 0; i < 2; i++ {
		want := []float64{
			1,
			discount[i][0],
			discount[i][0] * discount[i][1],
		}
		for step := range want {
			have := reads[step].Data().([]float64)[i]
			if math.Abs(want[step]-have) > tolerance {
				t.Errorf("row %v weight %v \n\twant(%v)\n\thave(%v)", i,
					step, want[step], have)
			}
		}
	}
}
