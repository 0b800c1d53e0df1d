package solver

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	G "gorgonia.org/gorgonia"
)

// Optimizer binds a Solver to the learnable nodes it updates. Each loss
// graph owns one Optimizer per parameter group, which makes the group
// partitioning explicit: a node is updated by a step if and only if it
// was passed to NewOptimizer.
type Optimizer struct {
	name       string
	solver     *Solver
	learnables G.Nodes
	model      []G.ValueGrad
	numParams  int
}

// NewOptimizer returns a new Optimizer stepping learnables with the
// given solver. The name appears in log lines and error messages.
func NewOptimizer(name string, solver *Solver,
	learnables G.Nodes) (*Optimizer, error) {
	if solver == nil || solver.Solver == nil {
		return nil, fmt.Errorf("newoptimizer: %v needs a solver", name)
	}
	if len(learnables) == 0 {
		return nil, fmt.Errorf("newoptimizer: %v has no learnables", name)
	}

	numParams := 0
	model := make([]G.ValueGrad, len(learnables))
	for i, node := range learnables {
		model[i] = node
		numParams += node.Shape().TotalSize()
	}

	fmt.Printf("Optimizer %v has %v variables\n", name,
		humanize.Comma(int64(numParams)))

	return &Optimizer{
		name:       name,
		solver:     solver,
		learnables: learnables,
		model:      model,
		numParams:  numParams,
	}, nil
}

// Step performs one solver step over the bound learnables, returning
// the global L2 norm of the gradients consumed by the step.
func (o *Optimizer) Step() (float64, error) {
	norm := o.GradNorm()
	if err := o.solver.Step(o.model); err != nil {
		return 0, fmt.Errorf("step: could not step %v optimizer: %v",
			o.name, err)
	}
	return norm, nil
}

// GradNorm returns the global L2 norm of the currently bound gradients.
// Learnables with no bound gradient contribute nothing.
func (o *Optimizer) GradNorm() float64 {
	sum := 0.0
	for _, node := range o.learnables {
		grad, err := node.Grad()
		if err != nil {
			continue
		}
		switch data := grad.Data().(type) {
		case float64:
			sum += data * data
		case []float64:
			for _, g := range data {
				sum += g * g
			}
		}
	}
	return math.Sqrt(sum)
}

// Name returns the optimizer's name
func (o *Optimizer) Name() string {
	return o.name
}

// NumParams returns the total number of scalar parameters the
// optimizer updates
func (o *Optimizer) NumParams() int {
	return o.numParams
}

// Learnables returns the nodes the optimizer updates
func (o *Optimizer) Learnables() G.Nodes {
	return o.learnables
}
