package checkpointer

import (
	"fmt"
	"os"
)

// nStep implements checkpointing every N steps
type nStep struct {
	interval int
	object   Serializable // Object to save

	// filename returns the string filename of the file to save the
	// object in.
	//
	// If each serialized object should be saved in a separate file with
	// each file having an incremented number as a suffix (e.g.
	// file1.bin, file2.bin, ..., fileK.bin), then simply use the
	// static function FilenameEnumerator, which will return a function
	// that will enumerate filenames.
	//
	// Otherwise, if each serialized object should be saved in a
	// separate file, but the filename does not matter, use the
	// static function FileTimer to generate the required naming
	// function. For example:
	//
	// n := NewNStep(10, object, FileTimer("filename", ".bin"))
	filename func() string
}

// NewNStep returns a checkpointer that checkpoints every n steps.
func NewNStep(n int, object Serializable,
	filename func() string) Checkpointer {
	return &nStep{
		interval: n,
		object:   object,
		filename: filename,
	}
}

// Checkpoint serializes the tracked object to the next file whenever
// the step index divides evenly by the checkpoint interval.
func (n *nStep) Checkpoint(step int) error {
	if step%n.interval != 0 {
		return nil
	}

	data, err := n.object.GobEncode()
	if err != nil {
		return fmt.Errorf("checkpoint: could not encode object: %v", err)
	}
	if err := os.WriteFile(n.filename(), data, 0644); err != nil {
		return fmt.Errorf("checkpoint: could not write file: %v", err)
	}
	return nil
}

// Load fills a serializable object with the contents of a checkpoint
// file. The object must already be constructed with the configuration
// it was saved with.
func Load(filename string, object Serializable) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("load: could not read file: %v", err)
	}
	if err := object.GobDecode(data); err != nil {
		return fmt.Errorf("load: could not decode object: %v", err)
	}
	return nil
}
