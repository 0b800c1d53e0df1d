package checkpointer

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// counter is a minimal Serializable for testing: its state is a single
// integer.
type counter struct {
	Value int
}

func (c *counter) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c.Value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *counter) GobDecode(in []byte) error {
	return gob.NewDecoder(bytes.NewReader(in)).Decode(&c.Value)
}

func TestFilenameEnumerator(t *testing.T) {
	next := FilenameEnumerator(0, "agent", ".bin")
	for i := 1; i <= 3; i++ {
		want := fmt.Sprintf("agent%v.bin", i)
		if have := next(); have != want {
			t.Errorf("wrong filename \n\twant(%v)\n\thave(%v)", want, have)
		}
	}
}

func TestNStepCheckpointsEveryN(t *testing.T) {
	dir := t.TempDir()
	object := &counter{}
	saver := NewNStep(3, object, FilenameEnumerator(0,
		filepath.Join(dir, "agent"), ".bin"))

	for step := 1; step <= 10; step++ {
		object.Value = step
		if err := saver.Checkpoint(step); err != nil {
			t.Fatalf("could not checkpoint step %v: %v", step, err)
		}
	}

	// Steps 3, 6, and 9 divide by the interval, producing three
	// enumerated files
	for i := 1; i <= 3; i++ {
		filename := filepath.Join(dir, fmt.Sprintf("agent%v.bin", i))

		restored := &counter{}
		if err := Load(filename, restored); err != nil {
			t.Fatalf("could not load checkpoint %v: %v", i, err)
		}
		if want := 3 * i; restored.Value != want {
			t.Errorf("wrong state in checkpoint %v \n\twant(%v)"+
				"\n\thave(%v)", i, want, restored.Value)
		}
	}

	extra := filepath.Join(dir, "agent4.bin")
	if _, err := os.Stat(extra); err == nil {
		t.Error("checkpoint written on a step off the interval")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if err := Load(filepath.Join(t.TempDir(), "missing.bin"),
		&counter{}); err == nil {
		t.Error("expected error for missing checkpoint file")
	}
}
