package worldmodel

import (
	"github.com/samuelfneumann/godreamer/dynamics"
	"gorgonia.org/tensor"
)

// StateValue is the value-level counterpart of dynamics.State: the
// latent state components as CPU tensors, detached from any graph.
// The behaviors feed these into their own graphs' placeholders.
type StateValue struct {
	Variant dynamics.Variant

	Stoch *tensor.Dense // (rows, stoch dim)
	Deter *tensor.Dense // (rows, deter dim)

	Logit *tensor.Dense // categorical only
	Mean  *tensor.Dense // Gaussian only
	Std   *tensor.Dense // Gaussian only
}

// Context carries the results of one world-model training step that
// downstream consumers need: the posterior latent trajectory, its
// features, and the observation embeddings, all as detached CPU
// tensors in the time-major flattened layout (time*batch rows).
type Context struct {
	Batch, Time int

	Posterior StateValue
	Feat      *tensor.Dense // (time*batch, feat dim)
	Embed     *tensor.Dense // (time*batch, embed dim)
}

// Rows returns the number of flattened states in the context.
func (c *Context) Rows() int {
	return c.Batch * c.Time
}
