package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
)

type activationType string

const (
	relu     activationType = "relu"
	identity activationType = "identity"
	tanh     activationType = "tanh"
	sigmoid  activationType = "sigmoid"
	silu     activationType = "silu"
	softplus activationType = "softplus"
	nil_     activationType = "nil"
)

// Activation represents an activation function type
type Activation struct {
	activationType
	f func(x *G.Node) (*G.Node, error)
}

// Fwd performs the forward pass of an Activation
func (a *Activation) fwd(x *G.Node) (*G.Node, error) {
	return a.f(x)
}

// String implements the Stringer interface
func (a *Activation) String() string {
	return string(a.activationType)
}

// IsIdentity returns whether or not the Activation is the identity
// function.
func (a *Activation) IsIdentity() bool {
	return a.activationType == identity
}

// IsNil returns whether an activation is nil
func (a *Activation) IsNil() bool {
	return a.activationType == nil_
}

// GobEncode implements the GobEncoder interface
func (a *Activation) GobEncode() ([]byte, error) {
	return []byte(a.activationType), nil
}

// GobDecode implements the GobDecoder interface
func (a *Activation) GobDecode(encoded []byte) error {
	act, err := ActivationFromString(string(encoded))
	if err != nil {
		return fmt.Errorf("gobdecode: illegal Activation type")
	}
	*a = *act
	return nil
}

// ActivationFromString returns the Activation named by s. Legal names
// are "relu", "identity", "tanh", "sigmoid", "silu", and "softplus".
func ActivationFromString(s string) (*Activation, error) {
	switch activationType(s) {
	case relu:
		return ReLU(), nil
	case identity:
		return Identity(), nil
	case tanh:
		return TanH(), nil
	case sigmoid:
		return Sigmoid(), nil
	case silu:
		return SiLU(), nil
	case softplus:
		return Softplus(), nil
	}
	return nil, fmt.Errorf("activationfromstring: no such activation: %v", s)
}

// Nil returns a nil *Activation
func Nil() *Activation {
	return &Activation{
		activationType: nil_,
		f:              nil,
	}
}

// Identity returns an identity *Activation
func Identity() *Activation {
	return &Activation{
		activationType: identity,
		f: func(x *G.Node) (*G.Node, error) {
			return x, nil
		},
	}
}

// ReLU returns a ReLU *Activation
func ReLU() *Activation {
	return &Activation{
		activationType: relu,
		f:              G.Rectify,
	}
}

// TanH returns a tanh *Activation
func TanH() *Activation {
	return &Activation{
		activationType: tanh,
		f:              G.Tanh,
	}
}

// Sigmoid returns a sigmoid *Activation
func Sigmoid() *Activation {
	return &Activation{
		activationType: sigmoid,
		f:              G.Sigmoid,
	}
}

// SiLU returns a SiLU (x * sigmoid(x)) *Activation
func SiLU() *Activation {
	return &Activation{
		activationType: silu,
		f: func(x *G.Node) (*G.Node, error) {
			sig, err := G.Sigmoid(x)
			if err != nil {
				return nil, err
			}
			return G.HadamardProd(x, sig)
		},
	}
}

// Softplus returns a softplus (log(1 + exp(x))) *Activation
func Softplus() *Activation {
	return &Activation{
		activationType: softplus,
		f: func(x *G.Node) (*G.Node, error) {
			exp, err := G.Exp(x)
			if err != nil {
				return nil, err
			}
			sum, err := G.Add(exp, G.NewConstant(1.0))
			if err != nil {
				return nil, err
			}
			return G.Log(sum)
		},
	}
}
