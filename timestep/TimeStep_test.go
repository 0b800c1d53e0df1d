package timestep

import (
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestStepTypePredicates(t *testing.T) {
	obs := mat.NewVecDense(2, []float64{0.5, -0.5})

	first := New(First, 0, 1, obs, 0)
	if !first.First() || first.Mid() || first.Last() {
		t.Error("first step misreports its type")
	}

	mid := New(Mid, 1, 1, obs, 1)
	if mid.First() || !mid.Mid() || mid.Last() {
		t.Error("mid step misreports its type")
	}

	last := New(Last, -1, 0, obs, 2)
	if last.First() || last.Mid() || !last.Last() {
		t.Error("last step misreports its type")
	}
}

func TestTerminal(t *testing.T) {
	obs := mat.NewVecDense(1, []float64{0})

	terminal := New(Last, 0, 0, obs, 10)
	if !terminal.Terminal() {
		t.Error("last step with zero discount should be terminal")
	}

	cutoff := New(Last, 0, 1, obs, 10)
	if cutoff.Terminal() {
		t.Error("last step with positive discount is a cutoff, not " +
			"a termination")
	}

	mid := New(Mid, 0, 0, obs, 5)
	if mid.Terminal() {
		t.Error("mid step should never be terminal")
	}
}
