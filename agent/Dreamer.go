// Package agent implements agents that learn from replayed experience.
package agent

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/samuelfneumann/godreamer/behavior"
	"github.com/samuelfneumann/godreamer/worldmodel"
)

// Config describes a Dreamer agent: the world model, the imagination
// behavior trained inside its latent space, and an optional replay
// behavior trained on the same trajectory batches.
type Config struct {
	WorldModel  worldmodel.Config
	Imagination behavior.ImagConfig

	// Replay configures the model-free behavior. Nil disables it.
	Replay *behavior.ReplayConfig

	// CoupleMFReg anchors the imagination policy to the replay policy:
	// the imagination actor loss gains a KL penalty toward the replay
	// behavior's policy, scaled by Imagination.MFRegScale. Requires a
	// replay behavior.
	CoupleMFReg bool
}

// Validate returns an error if the configuration cannot construct an
// agent.
func (c Config) Validate() error {
	if err := c.WorldModel.Validate(); err != nil {
		return fmt.Errorf("validate: world model: %v", err)
	}
	if err := c.Imagination.Validate(); err != nil {
		return fmt.Errorf("validate: imagination: %v", err)
	}
	if c.Replay != nil {
		if err := c.Replay.Validate(); err != nil {
			return fmt.Errorf("validate: replay: %v", err)
		}
	}
	if c.CoupleMFReg && c.Replay == nil {
		return fmt.Errorf("validate: policy regularization requires a " +
			"replay behavior")
	}
	if !c.CoupleMFReg && c.Imagination.MFRegScale > 0 {
		return fmt.Errorf("validate: imagination regularization scale is "+
			"set but coupling is disabled \n\thave(%v)",
			c.Imagination.MFRegScale)
	}
	return nil
}

// Dreamer learns a world model from replayed trajectories and trains
// its behaviors against the model's latent space. Each Train call runs
// one step of every component on one trajectory batch: the world model
// first, then the imagination behavior on the inferred latent states,
// then the replay behavior, if any, on the raw batch.
type Dreamer struct {
	config Config

	wm     *worldmodel.WorldModel
	imag   *behavior.Imagination
	replay *behavior.Replay // nil if not configured
}

// New returns a new Dreamer agent
func New(config Config) (*Dreamer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}

	wm, err := worldmodel.New(config.WorldModel)
	if err != nil {
		return nil, fmt.Errorf("new: could not create world model: %v", err)
	}

	var replay *behavior.Replay
	if config.Replay != nil {
		replay, err = behavior.NewReplay(wm, *config.Replay)
		if err != nil {
			return nil, fmt.Errorf("new: could not create replay "+
				"behavior: %v", err)
		}
	}

	var anchor *behavior.Replay
	if config.CoupleMFReg {
		anchor = replay
	}
	imag, err := behavior.NewImagination(wm, config.Imagination, anchor)
	if err != nil {
		return nil, fmt.Errorf("new: could not create imagination "+
			"behavior: %v", err)
	}

	return &Dreamer{
		config: config,
		wm:     wm,
		imag:   imag,
		replay: replay,
	}, nil
}

// Train runs one training step of every component on a trajectory
// batch. The returned metrics carry each component's metrics under a
// component prefix.
func (d *Dreamer) Train(data worldmodel.Batch) (map[string]float64, error) {
	metrics := make(map[string]float64)

	ctx, wmMetrics, err := d.wm.Train(data)
	if err != nil {
		return nil, fmt.Errorf("train: world model: %v", err)
	}
	merge(metrics, "wm_", wmMetrics)

	imagMetrics, err := d.imag.Train(ctx)
	if err != nil {
		return nil, fmt.Errorf("train: imagination: %v", err)
	}
	merge(metrics, "imag_", imagMetrics)

	if d.replay != nil {
		replayMetrics, err := d.replay.Train(data)
		if err != nil {
			return nil, fmt.Errorf("train: replay: %v", err)
		}
		merge(metrics, "replay_", replayMetrics)
	}
	return metrics, nil
}

// merge copies src into dst under a key prefix
func merge(dst map[string]float64, prefix string, src map[string]float64) {
	for name, value := range src {
		dst[prefix+name] = value
	}
}

// WorldModel returns the agent's world model
func (d *Dreamer) WorldModel() *worldmodel.WorldModel {
	return d.wm
}

// Imagination returns the agent's imagination behavior
func (d *Dreamer) Imagination() *behavior.Imagination {
	return d.imag
}

// Replay returns the agent's replay behavior, or nil if the agent has
// none.
func (d *Dreamer) Replay() *behavior.Replay {
	return d.replay
}

// GobEncode implements the gob.GobEncoder interface
func (d *Dreamer) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	if err := enc.Encode(d.wm); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode world "+
			"model: %v", err)
	}
	if err := enc.Encode(d.imag); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode "+
			"imagination behavior: %v", err)
	}
	if d.replay != nil {
		if err := enc.Encode(d.replay); err != nil {
			return nil, fmt.Errorf("gobencode: could not encode replay "+
				"behavior: %v", err)
		}
	}
	return buf.Bytes(), nil
}

// GobDecode implements the gob.GobDecoder interface. Decoding fills
// the state of an already-constructed agent with the same
// configuration.
func (d *Dreamer) GobDecode(in []byte) error {
	buf := bytes.NewReader(in)
	dec := gob.NewDecoder(buf)

	if err := dec.Decode(d.wm); err != nil {
		return fmt.Errorf("gobdecode: could not decode world model: %v", err)
	}
	if err := dec.Decode(d.imag); err != nil {
		return fmt.Errorf("gobdecode: could not decode imagination "+
			"behavior: %v", err)
	}
	if d.replay != nil {
		if err := dec.Decode(d.replay); err != nil {
			return fmt.Errorf("gobdecode: could not decode replay "+
				"behavior: %v", err)
		}
	}
	return nil
}
