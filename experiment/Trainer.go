// Package experiment implements offline training loops that connect a
// replay data source to an agent and record what happens.
package experiment

import (
	"fmt"
	"time"

	"github.com/samuelfneumann/godreamer/agent"
	"github.com/samuelfneumann/godreamer/experiment/checkpointer"
	"github.com/samuelfneumann/godreamer/experiment/tracker"
	"github.com/samuelfneumann/godreamer/worldmodel"
	"github.com/samuelfneumann/progressbar"
)

// Sampler provides trajectory batches to train on. A replay buffer is
// the usual implementation.
type Sampler interface {
	Sample(batch, length int) (worldmodel.Batch, error)
}

// Config describes a Trainer's bookkeeping.
type Config struct {
	// OpenLoopEvery runs the world model's open-loop diagnostic every
	// so many steps and records its reconstruction error. Zero
	// disables the diagnostic.
	OpenLoopEvery int

	// ContextSteps is the number of observed steps the open-loop
	// diagnostic conditions on.
	ContextSteps int

	// ShowProgress displays a progress bar while training
	ShowProgress bool
}

// Trainer trains a Dreamer agent on batches drawn from a Sampler. Each
// training step samples one trajectory batch of the agent's configured
// dimensions, runs one agent update on it, and hands the resulting
// metrics to the registered trackers.
type Trainer struct {
	config   Config
	agent    *agent.Dreamer
	sampler  Sampler
	trackers []tracker.Tracker
	savers   []checkpointer.Checkpointer
}

// NewTrainer returns a new Trainer
func NewTrainer(config Config, a *agent.Dreamer, sampler Sampler,
	trackers []tracker.Tracker,
	savers []checkpointer.Checkpointer) (*Trainer, error) {
	if a == nil {
		return nil, fmt.Errorf("newtrainer: no agent")
	}
	if sampler == nil {
		return nil, fmt.Errorf("newtrainer: no sampler")
	}
	if config.OpenLoopEvery < 0 {
		return nil, fmt.Errorf("newtrainer: diagnostic interval cannot be "+
			"negative \n\thave(%v)", config.OpenLoopEvery)
	}
	if config.OpenLoopEvery > 0 && config.ContextSteps < 1 {
		return nil, fmt.Errorf("newtrainer: diagnostic needs at least one "+
			"context step \n\thave(%v)", config.ContextSteps)
	}

	return &Trainer{
		config:   config,
		agent:    a,
		sampler:  sampler,
		trackers: trackers,
		savers:   savers,
	}, nil
}

// Run trains the agent for the given number of steps, then saves all
// tracked data. Step indices start at 1.
func (t *Trainer) Run(steps int) error {
	if steps <= 0 {
		return fmt.Errorf("run: steps must be positive \n\thave(%v)", steps)
	}

	wmConfig := t.agent.WorldModel().Config()
	batch, length := wmConfig.BatchSize, wmConfig.TrajLen

	var pbar *progressbar.ProgressBar
	if t.config.ShowProgress {
		pbar = progressbar.New(65, steps, time.Second, true)
		pbar.Display()
		defer pbar.Close()
	}

	for step := 1; step <= steps; step++ {
		data, err := t.sampler.Sample(batch, length)
		if err != nil {
			return fmt.Errorf("run: could not sample step %v: %v", step, err)
		}

		metrics, err := t.agent.Train(data)
		if err != nil {
			return fmt.Errorf("run: could not train on step %v: %v", step,
				err)
		}

		if t.config.OpenLoopEvery > 0 && step%t.config.OpenLoopEvery == 0 {
			mse, err := t.openLoopError(data)
			if err != nil {
				return fmt.Errorf("run: could not run diagnostic on step "+
					"%v: %v", step, err)
			}
			metrics["open_loop_mse"] = mse
		}

		for _, tr := range t.trackers {
			if err := tr.Track(step, metrics); err != nil {
				return fmt.Errorf("run: could not track step %v: %v", step,
					err)
			}
		}
		for _, s := range t.savers {
			if err := s.Checkpoint(step); err != nil {
				return fmt.Errorf("run: could not checkpoint step %v: %v",
					step, err)
			}
		}
		if pbar != nil {
			pbar.Increment()
		}
	}

	for _, tr := range t.trackers {
		if err := tr.Save(); err != nil {
			return fmt.Errorf("run: could not save tracked data: %v", err)
		}
	}
	return nil
}

// openLoopError runs the world model's open-loop diagnostic on a batch
// and returns the mean squared error between the ground-truth
// observations and the model's open-loop predictions.
func (t *Trainer) openLoopError(data worldmodel.Batch) (float64, error) {
	truth, recon, err := t.agent.WorldModel().OpenLoop(data,
		t.config.ContextSteps)
	if err != nil {
		return 0, err
	}

	truthData := truth.Data().([]float64)
	reconData := recon.Data().([]float64)
	if len(truthData) != len(reconData) {
		return 0, fmt.Errorf("openlooperror: prediction size does not "+
			"match the observations \n\twant(%v)\n\thave(%v)",
			len(truthData), len(reconData))
	}

	mse := 0.0
	for i := range truthData {
		diff := truthData[i] - reconData[i]
		mse += diff * diff
	}
	return mse / float64(len(truthData)), nil
}
