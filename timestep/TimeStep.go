// Package timestep implements single steps of the agent-environment
// interaction, the records a replay buffer stores.
package timestep

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// StepType denotes the type of step that a TimeStep can be: the first
// step of an episode, a middle step, or the last step.
type StepType int

const (
	First StepType = iota
	Mid
	Last
)

func (s StepType) String() string {
	switch s {
	case First:
		return "First"
	case Last:
		return "Last"
	default:
		return "Mid"
	}
}

// TimeStep packages together a single timestep of the
// agent-environment interaction: the observation the environment
// emitted, the reward and discount that accompanied it, and the step's
// position within its episode. A Last step with a discount of 0 is a
// true termination; a Last step with a positive discount is a timeout
// cut-off.
type TimeStep struct {
	StepType    StepType
	Reward      float64
	Discount    float64
	Observation mat.Vector
	Number      int
}

// New returns a new TimeStep
func New(t StepType, reward, discount float64, obs mat.Vector,
	number int) TimeStep {
	return TimeStep{
		StepType:    t,
		Reward:      reward,
		Discount:    discount,
		Observation: obs,
		Number:      number,
	}
}

// First returns whether the TimeStep is the first in an episode
func (t *TimeStep) First() bool {
	return t.StepType == First
}

// Mid returns whether the TimeStep is a middle step in an episode
func (t *TimeStep) Mid() bool {
	return t.StepType == Mid
}

// Last returns whether the TimeStep is the last step in an episode
func (t *TimeStep) Last() bool {
	return t.StepType == Last
}

// Terminal returns whether the TimeStep ends its episode by reaching a
// terminal state, as opposed to being cut off by a step limit.
func (t *TimeStep) Terminal() bool {
	return t.StepType == Last && t.Discount == 0
}

func (t TimeStep) String() string {
	str := "TimeStep | Type: %v  |  Reward:  %.2f  |  Discount: %.2f  |  " +
		"Step Number:  %v"

	return fmt.Sprintf(str, t.StepType, t.Reward, t.Discount, t.Number)
}
