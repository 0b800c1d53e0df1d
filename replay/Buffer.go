// Package replay implements replay buffers that store timesteps of
// agent-environment interaction and sample fixed-length trajectory
// windows from them for training.
package replay

import (
	"fmt"

	"github.com/samuelfneumann/godreamer/spec"
	"github.com/samuelfneumann/godreamer/timestep"
	"github.com/samuelfneumann/godreamer/worldmodel"
	"golang.org/x/exp/rand"
	"gorgonia.org/tensor"
)

// step is one stored record of interaction: the concatenation of all
// observation modalities, the action taken on the step, and the
// step's scalars.
type step struct {
	obs        []float64
	action     []float64
	reward     float64
	discount   float64
	isFirst    float64
	isTerminal float64
}

// Buffer is a uniform-sampling sequence replay buffer. Steps are
// stored in arrival order in a fixed-capacity ring; once full, new
// steps overwrite the oldest. Sample draws trajectory windows of
// consecutive steps uniformly at random. Windows may span episode
// boundaries: the is_first flags they carry mark the resets, and
// consumers use those flags to re-initialize their recurrent state
// mid-window.
//
// Buffer is deterministic given its seed and the order of Add and
// Sample calls. It is not safe for concurrent use.
type Buffer struct {
	modalities []spec.Modality
	action     spec.Action

	steps    []step
	capacity int
	start    int // physical index of the oldest step
	size     int

	rng *rand.Rand
}

// NewBuffer returns a new Buffer holding at most capacity steps of
// interaction described by the given modalities and action
// specification.
func NewBuffer(capacity int, modalities []spec.Modality,
	action spec.Action, seed uint64) (*Buffer, error) {
	if capacity <= 0 {
		return nil, &Error{
			Op:  "newbuffer",
			Err: fmt.Errorf("capacity must be positive \n\thave(%v)", capacity),
		}
	}
	if len(modalities) == 0 {
		return nil, &Error{
			Op:  "newbuffer",
			Err: fmt.Errorf("at least one observation modality is required"),
		}
	}
	for _, m := range modalities {
		if err := m.Validate(); err != nil {
			return nil, &Error{Op: "newbuffer", Err: err}
		}
	}
	if err := action.Validate(); err != nil {
		return nil, &Error{Op: "newbuffer", Err: err}
	}

	return &Buffer{
		modalities: modalities,
		action:     action,
		steps:      make([]step, capacity),
		capacity:   capacity,
		rng:        rand.New(rand.NewSource(seed)),
	}, nil
}

// Size returns the number of steps currently stored
func (b *Buffer) Size() int {
	return b.size
}

// Capacity returns the maximum number of steps the buffer can store
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Add stores one timestep and the action taken on it. For the first
// step of an episode the action is conventionally all zeros; the flags
// the step carries ensure it is masked out downstream either way. The
// observation must be the concatenation of all modalities, in the
// order the buffer was constructed with.
func (b *Buffer) Add(t timestep.TimeStep, action []float64) error {
	obsSize := spec.TotalSize(b.modalities)
	if t.Observation == nil || t.Observation.Len() != obsSize {
		have := 0
		if t.Observation != nil {
			have = t.Observation.Len()
		}
		return &Error{
			Op: "add",
			Err: fmt.Errorf("invalid observation size \n\twant(%v)"+
				"\n\thave(%v)", obsSize, have),
		}
	}
	if len(action) != b.action.Dim {
		return &Error{
			Op: "add",
			Err: fmt.Errorf("invalid action size \n\twant(%v)\n\thave(%v)",
				b.action.Dim, len(action)),
		}
	}

	obs := make([]float64, obsSize)
	for i := 0; i < obsSize; i++ {
		obs[i] = t.Observation.AtVec(i)
	}
	act := make([]float64, len(action))
	copy(act, action)

	record := step{
		obs:      obs,
		action:   act,
		reward:   t.Reward,
		discount: t.Discount,
	}
	if t.First() {
		record.isFirst = 1
	}
	if t.Terminal() {
		record.isTerminal = 1
	}

	pos := (b.start + b.size) % b.capacity
	b.steps[pos] = record
	if b.size < b.capacity {
		b.size++
	} else {
		b.start = (b.start + 1) % b.capacity
	}
	return nil
}

// at returns the stored step at logical index i, where index 0 is the
// oldest step in the buffer.
func (b *Buffer) at(i int) step {
	return b.steps[(b.start+i)%b.capacity]
}

// Sample draws batch trajectory windows of length consecutive steps,
// uniformly at random with replacement, and assembles them into a
// trajectory batch. If the buffer does not yet hold length steps, the
// returned error satisfies IsInsufficientData.
func (b *Buffer) Sample(batch, length int) (worldmodel.Batch, error) {
	if batch <= 0 || length <= 0 {
		return nil, &Error{
			Op: "sample",
			Err: fmt.Errorf("batch and length must be positive "+
				"\n\thave(%v, %v)", batch, length),
		}
	}
	if b.size < length {
		return nil, &Error{Op: "sample", Err: errInsufficientData}
	}

	actions := make([]float64, batch*length*b.action.Dim)
	rewards := make([]float64, batch*length)
	discounts := make([]float64, batch*length)
	isFirst := make([]float64, batch*length)
	isTerminal := make([]float64, batch*length)
	obs := make([][]float64, len(b.modalities))
	for m, modality := range b.modalities {
		obs[m] = make([]float64, batch*length*modality.Size)
	}

	for i := 0; i < batch; i++ {
		start := b.rng.Intn(b.size - length + 1)
		for j := 0; j < length; j++ {
			record := b.at(start + j)
			row := i*length + j

			copy(actions[row*b.action.Dim:(row+1)*b.action.Dim],
				record.action)
			rewards[row] = record.reward
			discounts[row] = record.discount
			isFirst[row] = record.isFirst
			isTerminal[row] = record.isTerminal

			offset := 0
			for m, modality := range b.modalities {
				copy(obs[m][row*modality.Size:(row+1)*modality.Size],
					record.obs[offset:offset+modality.Size])
				offset += modality.Size
			}
		}
	}

	out := worldmodel.Batch{
		worldmodel.ActionKey: tensor.New(
			tensor.WithShape(batch, length, b.action.Dim),
			tensor.WithBacking(actions),
		),
		worldmodel.RewardKey: tensor.New(
			tensor.WithShape(batch, length),
			tensor.WithBacking(rewards),
		),
		worldmodel.DiscountKey: tensor.New(
			tensor.WithShape(batch, length),
			tensor.WithBacking(discounts),
		),
		worldmodel.IsFirstKey: tensor.New(
			tensor.WithShape(batch, length),
			tensor.WithBacking(isFirst),
		),
		worldmodel.IsTerminalKey: tensor.New(
			tensor.WithShape(batch, length),
			tensor.WithBacking(isTerminal),
		),
	}
	for m, modality := range b.modalities {
		out[modality.Name] = tensor.New(
			tensor.WithShape(batch, length, modality.Size),
			tensor.WithBacking(obs[m]),
		)
	}
	return out, nil
}
