package worldmodel

import (
	"testing"

	"github.com/samuelfneumann/godreamer/spec"
	"gorgonia.org/tensor"
)

func dense(shape []int, backing []float64) *tensor.Dense {
	return tensor.New(
		tensor.WithShape(shape...),
		tensor.WithBacking(backing),
	)
}

func zeros(shape ...int) *tensor.Dense {
	size := 1
	for _, s := range shape {
		size *= s
	}
	return dense(shape, make([]float64, size))
}

// testBatch returns a valid batch of 2 trajectories of 3 steps, with a
// single 2-wide modality "position" and 1-wide actions.
func testBatch() Batch {
	return Batch{
		"position":    zeros(2, 3, 2),
		ActionKey:     zeros(2, 3, 1),
		RewardKey:     zeros(2, 3),
		DiscountKey:   zeros(2, 3),
		IsFirstKey:    zeros(2, 3),
		IsTerminalKey: zeros(2, 3),
	}
}

func testModalities() []spec.Modality {
	return []spec.Modality{{Name: "position", Size: 2}}
}

func TestBatchDims(t *testing.T) {
	b, time, err := testBatch().Dims()
	if err != nil {
		t.Fatalf("could not read dimensions: %v", err)
	}
	if b != 2 || time != 3 {
		t.Errorf("wrong dimensions \n\twant(%v x %v)\n\thave(%v x %v)", 2,
			3, b, time)
	}

	if _, _, err := (Batch{}).Dims(); err == nil {
		t.Error("expected error for missing action")
	}

	bad := testBatch()
	bad[ActionKey] = zeros(2, 3)
	if _, _, err := bad.Dims(); err == nil {
		t.Error("expected error for rank-2 action")
	}
}

func TestBatchValidate(t *testing.T) {
	if err := testBatch().Validate(testModalities(), 1); err != nil {
		t.Fatalf("valid batch rejected: %v", err)
	}

	// The discount is optional
	optional := testBatch()
	delete(optional, DiscountKey)
	if err := optional.Validate(testModalities(), 1); err != nil {
		t.Errorf("batch without discount rejected: %v", err)
	}

	missing := testBatch()
	delete(missing, RewardKey)
	if err := missing.Validate(testModalities(), 1); err == nil {
		t.Error("expected error for missing reward")
	}

	badObs := testBatch()
	badObs["position"] = zeros(2, 3, 5)
	if err := badObs.Validate(testModalities(), 1); err == nil {
		t.Error("expected error for wrong modality width")
	}

	if err := testBatch().Validate(testModalities(), 4); err == nil {
		t.Error("expected error for wrong action width")
	}

	badFlag := testBatch()
	badFlag[IsFirstKey] = zeros(2, 3, 1)
	if err := badFlag.Validate(testModalities(), 1); err == nil {
		t.Error("expected error for rank-3 flags")
	}
}

func TestTimeMajor(t *testing.T) {
	// (2, 2, 2): element (i, j, k) holds (i*2+j)*2 + k
	in := dense([]int{2, 2, 2}, []float64{0, 1, 2, 3, 4, 5, 6, 7})

	out, err := TimeMajor(in)
	if err != nil {
		t.Fatalf("could not repack: %v", err)
	}

	wantShape := tensor.Shape{4, 2}
	if !out.Shape().Eq(wantShape) {
		t.Fatalf("invalid shape \n\twant(%v)\n\thave(%v)", wantShape,
			out.Shape())
	}

	// Row t*batch + i holds trajectory i at step t
	want := []float64{0, 1, 4, 5, 2, 3, 6, 7}
	have := out.Data().([]float64)
	for i := range want {
		if want[i] != have[i] {
			t.Errorf("wrong value at %v \n\twant(%v)\n\thave(%v)", i,
				want[i], have[i])
		}
	}

	if _, err := TimeMajor(zeros(2, 3)); err == nil {
		t.Error("expected error for rank-2 input")
	}
}

func TestTimeMajorColumn(t *testing.T) {
	in := dense([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6})

	out, err := TimeMajorColumn(in)
	if err != nil {
		t.Fatalf("could not repack: %v", err)
	}

	wantShape := tensor.Shape{6, 1}
	if !out.Shape().Eq(wantShape) {
		t.Fatalf("invalid shape \n\twant(%v)\n\thave(%v)", wantShape,
			out.Shape())
	}

	want := []float64{1, 4, 2, 5, 3, 6}
	have := out.Data().([]float64)
	for i := range want {
		if want[i] != have[i] {
			t.Errorf("wrong value at %v \n\twant(%v)\n\thave(%v)", i,
				want[i], have[i])
		}
	}

	if _, err := TimeMajorColumn(zeros(2, 3, 1)); err == nil {
		t.Error("expected error for rank-3 input")
	}
}
