package tracker

import (
	"path/filepath"
	"testing"
)

func TestGobTrackerRoundTrip(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "loss.bin")
	tr := NewGob("loss", filename)

	series := []float64{3.5, 2.25, 1.125}
	for step, value := range series {
		metrics := map[string]float64{"loss": value, "other": -1}
		if err := tr.Track(step, metrics); err != nil {
			t.Fatalf("could not track step %v: %v", step, err)
		}
	}

	// Steps without the tracked metric are skipped
	if err := tr.Track(len(series), map[string]float64{"other": 7}); err != nil {
		t.Fatalf("could not track step without metric: %v", err)
	}

	if err := tr.Save(); err != nil {
		t.Fatalf("could not save data: %v", err)
	}

	data, err := LoadData(filename)
	if err != nil {
		t.Fatalf("could not load data: %v", err)
	}
	if len(data) != len(series) {
		t.Fatalf("wrong series length \n\twant(%v)\n\thave(%v)",
			len(series), len(data))
	}
	for i := range series {
		if data[i] != series[i] {
			t.Errorf("wrong value at step %v \n\twant(%v)\n\thave(%v)", i,
				series[i], data[i])
		}
	}
}

func TestSQLiteTrackerRoundTrip(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "metrics.db")
	tr, err := NewSQLite(filename, "test-run")
	if err != nil {
		t.Fatalf("could not create tracker: %v", err)
	}

	runID := tr.(interface{ RunID() string }).RunID()

	series := []float64{0.5, 0.25, 0.75}
	for step, value := range series {
		metrics := map[string]float64{"loss": value, "entropy": 2 * value}
		if err := tr.Track(step, metrics); err != nil {
			t.Fatalf("could not track step %v: %v", step, err)
		}
	}
	if err := tr.Save(); err != nil {
		t.Fatalf("could not save data: %v", err)
	}

	loss, err := LoadMetric(filename, runID, "loss")
	if err != nil {
		t.Fatalf("could not load metric: %v", err)
	}
	if len(loss) != len(series) {
		t.Fatalf("wrong series length \n\twant(%v)\n\thave(%v)",
			len(series), len(loss))
	}
	for i := range series {
		if loss[i] != series[i] {
			t.Errorf("wrong value at step %v \n\twant(%v)\n\thave(%v)", i,
				series[i], loss[i])
		}
	}

	entropy, err := LoadMetric(filename, runID, "entropy")
	if err != nil {
		t.Fatalf("could not load metric: %v", err)
	}
	for i := range series {
		if entropy[i] != 2*series[i] {
			t.Errorf("wrong value at step %v \n\twant(%v)\n\thave(%v)", i,
				2*series[i], entropy[i])
		}
	}

	// Unknown runs have no data
	empty, err := LoadMetric(filename, "no-such-run", "loss")
	if err != nil {
		t.Fatalf("could not query unknown run: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("unknown run should have no data \n\thave(%v)", empty)
	}
}

func TestMultiFansOut(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.bin")
	second := filepath.Join(dir, "second.bin")
	tr := NewMulti(NewGob("loss", first), NewGob("loss", second))

	if err := tr.Track(0, map[string]float64{"loss": 1.5}); err != nil {
		t.Fatalf("could not track: %v", err)
	}
	if err := tr.Save(); err != nil {
		t.Fatalf("could not save: %v", err)
	}

	for _, filename := range []string{first, second} {
		data, err := LoadData(filename)
		if err != nil {
			t.Fatalf("could not load %v: %v", filename, err)
		}
		if len(data) != 1 || data[0] != 1.5 {
			t.Errorf("wrong data in %v \n\twant(%v)\n\thave(%v)", filename,
				[]float64{1.5}, data)
		}
	}
}
