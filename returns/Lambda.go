// Package returns provides graph builders for bootstrapped return
// estimates over imagined or replayed trajectories.
//
// The builders create no weights of their own: they compose nodes that
// already live on a caller's computational graph, so gradients flow
// through the return estimates into whatever produced the rewards,
// values, and discounts (unless the caller stops them).
package returns

import (
	"fmt"

	"github.com/samuelfneumann/godreamer/utils/op"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// LambdaReturn builds the generalized lambda-return over a trajectory
// of horizon H, given per-step reward, value, and discount nodes, each
// a slice of H same-shaped nodes (one (batch, 1) node per step). The
// bootstrap is value[H-1]. It returns H-1 target nodes computed by the
// backward recursion
//
//	target[H-2] = reward[H-1] + discount[H-1]*value[H-1]
//	target[t]   = reward[t+1] + discount[t+1] *
//	                  ((1-λ)*value[t+1] + λ*target[t+1])
//
// With λ=0 the targets reduce to one-step temporal-difference targets;
// with λ=1 they reduce to discounted Monte-Carlo returns bootstrapped
// at the final value.
func LambdaReturn(reward, value, discount []*G.Node,
	lambda float64) ([]*G.Node, error) {
	h := len(reward)
	if h < 2 {
		return nil, fmt.Errorf("lambdareturn: horizon must be at least 2"+
			" \n\thave(%v)", h)
	}
	if len(value) != h || len(discount) != h {
		return nil, fmt.Errorf("lambdareturn: mismatched sequence lengths"+
			"\n\twant(%v)\n\thave(value %v, discount %v)", h, len(value),
			len(discount))
	}
	if lambda < 0 || lambda > 1 {
		return nil, fmt.Errorf("lambdareturn: lambda must be in [0, 1]"+
			" \n\thave(%v)", lambda)
	}

	oneMinusLambda := G.NewConstant(1 - lambda)
	lambdaNode := G.NewConstant(lambda)

	agg := value[h-1]
	targets := make([]*G.Node, h-1)
	for t := h - 2; t >= 0; t-- {
		// inputs[t] = reward[t+1] + discount[t+1]*(1-λ)*value[t+1]
		tdTail, err := G.HadamardProd(discount[t+1],
			G.Must(G.HadamardProd(value[t+1], oneMinusLambda)))
		if err != nil {
			return nil, fmt.Errorf("lambdareturn: could not build td tail "+
				"at step %v: %v", t, err)
		}
		input, err := G.Add(reward[t+1], tdTail)
		if err != nil {
			return nil, fmt.Errorf("lambdareturn: could not build input at "+
				"step %v: %v", t, err)
		}

		// target[t] = inputs[t] + discount[t+1]*λ*agg
		carried, err := G.HadamardProd(discount[t+1],
			G.Must(G.HadamardProd(agg, lambdaNode)))
		if err != nil {
			return nil, fmt.Errorf("lambdareturn: could not carry return at "+
				"step %v: %v", t, err)
		}
		agg, err = G.Add(input, carried)
		if err != nil {
			return nil, fmt.Errorf("lambdareturn: could not build target at "+
				"step %v: %v", t, err)
		}
		targets[t] = agg
	}

	return targets, nil
}

// DiscountWeights builds cumulative-product trajectory weights from
// per-step discount nodes, each of shape (batch, 1):
//
//	w[0] = 1
//	w[t] = w[t-1] ⊙ discount[t-1]
//
// The weights down-weight losses past predicted episode ends. Every
// returned node is wrapped so that no gradient flows through the
// weights into the discount predictions.
func DiscountWeights(discount []*G.Node) ([]*G.Node, error) {
	if len(discount) == 0 {
		return nil, fmt.Errorf("discountweights: no discount nodes")
	}
	if !discount[0].IsMatrix() {
		return nil, fmt.Errorf("discountweights: discounts must be matrices")
	}

	shape := discount[0].Shape()
	weights := make([]*G.Node, len(discount))
	weights[0] = G.NewConstant(
		tensor.Ones(tensor.Float64, shape[0], shape[1]),
	)

	prod := weights[0]
	for t := 1; t < len(discount); t++ {
		next, err := G.HadamardProd(prod, discount[t-1])
		if err != nil {
			return nil, fmt.Errorf("discountweights: could not build weight "+
				"at step %v: %v", t, err)
		}
		prod = next

		stopped, err := op.StopGradient(next)
		if err != nil {
			return nil, fmt.Errorf("discountweights: could not stop "+
				"gradient at step %v: %v", t, err)
		}
		weights[t] = stopped
	}

	return weights, nil
}
