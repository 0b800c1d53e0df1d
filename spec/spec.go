// Package spec implements specifications for the data an agent
// exchanges with its environment: the observation modalities it
// receives and the layout of the actions it emits.
package spec

import "fmt"

// Modality specifies one named observation stream, e.g. a
// proprioceptive vector or a flattened image. A batch carries one
// tensor per modality, keyed by the modality's name.
type Modality struct {
	Name string
	Size int
}

// Validate returns an error if the modality is malformed
func (m Modality) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("validate: modality needs a name")
	}
	if m.Size <= 0 {
		return fmt.Errorf("validate: modality %v must have positive size"+
			" \n\thave(%v)", m.Name, m.Size)
	}
	return nil
}

// TotalSize returns the width of the concatenation of all modalities
func TotalSize(modalities []Modality) int {
	size := 0
	for _, m := range modalities {
		size += m.Size
	}
	return size
}

// Action specifies the layout of an action vector. Continuous actions
// are Dim-dimensional vectors; discrete actions are one-hot encoded
// with Classes categories, so the vector the agent emits is always
// Dim wide.
type Action struct {
	Dim      int
	Discrete bool
	Classes  int

	// Bounds for continuous actions. Ignored when Discrete.
	Low, High float64
}

// NewContinuousAction returns the specification of a dim-dimensional
// continuous action bounded elementwise by [low, high]
func NewContinuousAction(dim int, low, high float64) Action {
	return Action{Dim: dim, Low: low, High: high}
}

// NewDiscreteAction returns the specification of a discrete action
// with classes categories, one-hot encoded
func NewDiscreteAction(classes int) Action {
	return Action{Dim: classes, Discrete: true, Classes: classes}
}

// Validate returns an error if the action specification is malformed
func (a Action) Validate() error {
	if a.Dim <= 0 {
		return fmt.Errorf("validate: action dimension must be positive"+
			" \n\thave(%v)", a.Dim)
	}
	if a.Discrete {
		if a.Classes <= 0 {
			return fmt.Errorf("validate: discrete action needs positive "+
				"classes \n\thave(%v)", a.Classes)
		}
		if a.Dim != a.Classes {
			return fmt.Errorf("validate: one-hot actions need dim == "+
				"classes \n\twant(%v)\n\thave(%v)", a.Classes, a.Dim)
		}
	} else if a.Low >= a.High {
		return fmt.Errorf("validate: action bounds must satisfy low < high"+
			" \n\thave(%v, %v)", a.Low, a.High)
	}
	return nil
}
