package worldmodel

import (
	"fmt"

	"github.com/samuelfneumann/godreamer/spec"
	"gorgonia.org/tensor"
)

// Batch keys every trajectory batch must carry, in addition to one key
// per observation modality.
const (
	ActionKey     = "action"
	RewardKey     = "reward"
	DiscountKey   = "discount"
	IsFirstKey    = "is_first"
	IsTerminalKey = "is_terminal"
	ContKey       = "cont"
)

// Batch is a trajectory batch: a map from keys to dense float64
// tensors. Observation modalities and actions are (batch, time, dim);
// per-step scalars (reward, discount, is_first, is_terminal) are
// (batch, time). The flags in is_first and is_terminal are 0/1 valued.
type Batch map[string]*tensor.Dense

// Dims returns the batch and time dimensions, read from the action
// tensor.
func (b Batch) Dims() (batch, time int, err error) {
	action, ok := b[ActionKey]
	if !ok {
		return 0, 0, fmt.Errorf("dims: missing key %v", ActionKey)
	}
	shape := action.Shape()
	if len(shape) != 3 {
		return 0, 0, fmt.Errorf("dims: action must have rank 3"+
			" \n\thave(%v)", shape)
	}
	return shape[0], shape[1], nil
}

// Validate returns an error if the batch does not satisfy the
// trajectory contract for the given modalities and action dimension.
func (b Batch) Validate(modalities []spec.Modality, actionDim int) error {
	batch, time, err := b.Dims()
	if err != nil {
		return fmt.Errorf("validate: %v", err)
	}

	if err := b.checkKey(ActionKey, batch, time, actionDim); err != nil {
		return fmt.Errorf("validate: %v", err)
	}
	for _, m := range modalities {
		if err := b.checkKey(m.Name, batch, time, m.Size); err != nil {
			return fmt.Errorf("validate: %v", err)
		}
	}
	for _, key := range []string{RewardKey, IsFirstKey, IsTerminalKey} {
		if err := b.checkKey(key, batch, time, 0); err != nil {
			return fmt.Errorf("validate: %v", err)
		}
	}
	if _, ok := b[DiscountKey]; ok {
		if err := b.checkKey(DiscountKey, batch, time, 0); err != nil {
			return fmt.Errorf("validate: %v", err)
		}
	}
	return nil
}

// checkKey validates the presence, dtype, and shape of one key. A dim
// of 0 requires a rank-2 (batch, time) tensor.
func (b Batch) checkKey(key string, batch, time, dim int) error {
	data, ok := b[key]
	if !ok {
		return fmt.Errorf("missing key %v", key)
	}
	if data.Dtype() != tensor.Float64 {
		return fmt.Errorf("key %v must hold float64 \n\thave(%v)", key,
			data.Dtype())
	}

	want := tensor.Shape{batch, time}
	if dim > 0 {
		want = tensor.Shape{batch, time, dim}
	}
	if !data.Shape().Eq(want) {
		return fmt.Errorf("key %v has invalid shape \n\twant(%v)"+
			"\n\thave(%v)", key, want, data.Shape())
	}
	return nil
}

// clone returns a shallow copy of the batch: the map is new, the
// tensors are shared.
func (b Batch) clone() Batch {
	out := make(Batch, len(b))
	for key, data := range b {
		out[key] = data
	}
	return out
}

// TimeMajor repacks a (batch, time, dim) tensor into the time-major
// flattened layout (time*batch, dim) whose row block
// [t*batch, (t+1)*batch) holds timestep t.
func TimeMajor(data *tensor.Dense) (*tensor.Dense, error) {
	shape := data.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("timemajor: input must have rank 3"+
			" \n\thave(%v)", shape)
	}
	backing, ok := data.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("timemajor: input must hold float64")
	}

	b, t, dim := shape[0], shape[1], shape[2]
	out := make([]float64, b*t*dim)
	for i := 0; i < b; i++ {
		for j := 0; j < t; j++ {
			copy(out[(j*b+i)*dim:(j*b+i+1)*dim],
				backing[(i*t+j)*dim:(i*t+j+1)*dim])
		}
	}
	return tensor.New(
		tensor.WithShape(t*b, dim),
		tensor.WithBacking(out),
	), nil
}

// TimeMajorColumn repacks a (batch, time) tensor into a time-major
// (time*batch, 1) column.
func TimeMajorColumn(data *tensor.Dense) (*tensor.Dense, error) {
	shape := data.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("timemajorcolumn: input must have rank 2"+
			" \n\thave(%v)", shape)
	}
	backing, ok := data.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("timemajorcolumn: input must hold float64")
	}

	b, t := shape[0], shape[1]
	out := make([]float64, b*t)
	for i := 0; i < b; i++ {
		for j := 0; j < t; j++ {
			out[j*b+i] = backing[i*t+j]
		}
	}
	return tensor.New(
		tensor.WithShape(t*b, 1),
		tensor.WithBacking(out),
	), nil
}
