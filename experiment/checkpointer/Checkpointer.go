// Package checkpointer implements periodic saving of serializable
// objects during training.
package checkpointer

import "encoding/gob"

// Serializable is an object that can be saved/serialized
type Serializable interface {
	gob.GobEncoder
	gob.GobDecoder
}

// Checkpointer checkpoints/saves serializable objects based on the
// index of the current training step
type Checkpointer interface {
	Checkpoint(step int) error
}
