package behavior

import (
	"fmt"

	"github.com/samuelfneumann/godreamer/distribution"
	"github.com/samuelfneumann/godreamer/network"
	"github.com/samuelfneumann/godreamer/solver"
	"github.com/samuelfneumann/godreamer/utils/op"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// criticLoss builds the weighted regression loss of a value network at
// fixed features against fixed return targets:
//
//	loss = mean[ w ⊙ (−ln p(target) − ln p(slow prediction)) ]
//
// where p is the critic's unit-variance Gaussian and the slow critic's
// prediction regularizes the online critic toward its own moving
// average. The name scopes the distribution's constant nodes and must
// be unique within the graph. Returns the scalar loss and the mean
// predicted value.
func criticLoss(critic, slow *network.FeedForward, feat, target,
	weights *G.Node, name string) (*G.Node, *G.Node, error) {
	out, err := critic.Fwd(feat)
	if err != nil {
		return nil, nil, fmt.Errorf("criticloss: could not predict "+
			"values: %v", err)
	}
	dist, err := distribution.NewUnitNormal(out, name)
	if err != nil {
		return nil, nil, fmt.Errorf("criticloss: %v", err)
	}

	logpTarget, err := dist.LogProb(target)
	if err != nil {
		return nil, nil, fmt.Errorf("criticloss: could not compute target "+
			"log probability: %v", err)
	}

	slowOut, err := slow.Fwd(feat)
	if err != nil {
		return nil, nil, fmt.Errorf("criticloss: could not predict slow "+
			"values: %v", err)
	}
	sgSlow, err := op.StopGradient(slowOut)
	if err != nil {
		return nil, nil, fmt.Errorf("criticloss: could not detach slow "+
			"values: %v", err)
	}
	logpSlow, err := dist.LogProb(sgSlow)
	if err != nil {
		return nil, nil, fmt.Errorf("criticloss: could not compute slow "+
			"log probability: %v", err)
	}

	nll, err := G.Neg(G.Must(G.Add(logpTarget, logpSlow)))
	if err != nil {
		return nil, nil, fmt.Errorf("criticloss: could not negate log "+
			"probabilities: %v", err)
	}
	weighted, err := G.HadamardProd(nll, weights)
	if err != nil {
		return nil, nil, fmt.Errorf("criticloss: could not weight the "+
			"loss: %v", err)
	}
	loss, err := G.Mean(weighted)
	if err != nil {
		return nil, nil, fmt.Errorf("criticloss: could not reduce the "+
			"loss: %v", err)
	}
	meanValue, err := G.Mean(out)
	if err != nil {
		return nil, nil, fmt.Errorf("criticloss: could not reduce the "+
			"values: %v", err)
	}
	return loss, meanValue, nil
}

// discountNode predicts the per-row discount at the given features:
// the continuation probability scaled by gamma.
func discountNode(cont *network.FeedForward, feat *G.Node,
	gamma float64) (*G.Node, error) {
	logits, err := cont.Fwd(feat)
	if err != nil {
		return nil, err
	}
	dist, err := distribution.NewBernoulli(logits)
	if err != nil {
		return nil, err
	}
	return G.HadamardProd(dist.Mean(), G.NewConstant(gamma))
}

// normedAdvantage returns (target − value) ⊙ invScale. Both terms of a
// normalized advantage share the normalizer's offset, so the offset
// cancels in the difference and only the inverse scale remains.
func normedAdvantage(target, value, invScale *G.Node) (*G.Node, error) {
	diff, err := G.Sub(target, value)
	if err != nil {
		return nil, err
	}
	return G.HadamardProd(diff, invScale)
}

// reinforceScore returns logProb ⊙ sg(target − baseline): the score
// function estimator against a detached raw advantage.
func reinforceScore(target, baseline, logProb *G.Node,
	rows int) (*G.Node, error) {
	diff, err := G.Sub(target, baseline)
	if err != nil {
		return nil, err
	}
	sgAdv, err := op.StopGradient(diff)
	if err != nil {
		return nil, err
	}
	logProb2d, err := G.Reshape(logProb, tensor.Shape{rows, 1})
	if err != nil {
		return nil, err
	}
	return G.HadamardProd(logProb2d, sgAdv)
}

// regressCritics runs one solver step of a critic regression graph:
// the features, targets, and trajectory weights are fed, the graph
// runs, its readouts land in metrics, and the optimizer steps.
func regressCritics(vm G.VM, optim *solver.Optimizer, featPh, targetPh,
	weightsPh *G.Node, feats, targets, weights *tensor.Dense,
	reads map[string]*G.Value, metrics map[string]float64) error {
	if err := G.Let(featPh, feats); err != nil {
		return fmt.Errorf("could not feed critic features: %v", err)
	}
	if err := G.Let(targetPh, targets); err != nil {
		return fmt.Errorf("could not feed critic targets: %v", err)
	}
	if err := weights.Reshape(weights.Shape()[0]); err != nil {
		return fmt.Errorf("could not flatten critic weights: %v", err)
	}
	if err := G.Let(weightsPh, weights); err != nil {
		return fmt.Errorf("could not feed critic weights: %v", err)
	}

	if err := vm.RunAll(); err != nil {
		return fmt.Errorf("could not run critic graph: %v", err)
	}
	for name, val := range reads {
		metrics[name] = (*val).Data().(float64)
	}
	gradNorm, err := optim.Step()
	if err != nil {
		return fmt.Errorf("could not step critic solver: %v", err)
	}
	metrics["critic_grad_norm"] = gradNorm
	vm.Reset()
	return nil
}
