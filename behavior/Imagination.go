// Package behavior implements actor-critic learners that train on the
// latent trajectories a world model infers from replayed experience.
//
// Two behaviors are provided. Imagination rolls the world model's
// dynamics forward from inferred latent states under the current
// policy and trains the actor and critic entirely on the imagined
// trajectories. Replay trains on the replayed trajectories themselves,
// using twin critics and a noisy one-step look-ahead through the
// dynamics in place of imagined rollouts.
//
// Each behavior owns its graphs: clones of the world model's networks
// are placed on them and re-synced with the training weights before
// every run, so no gradient machinery spans two optimizers. Values
// crossing between graphs (targets, weights, features) move as CPU
// tensors, which detaches them exactly where the losses require.
package behavior

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/samuelfneumann/godreamer/dynamics"
	"github.com/samuelfneumann/godreamer/initwfn"
	"github.com/samuelfneumann/godreamer/network"
	"github.com/samuelfneumann/godreamer/returns"
	"github.com/samuelfneumann/godreamer/solver"
	"github.com/samuelfneumann/godreamer/utils/op"
	"github.com/samuelfneumann/godreamer/worldmodel"
	"golang.org/x/exp/rand"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Actor loss modes
const (
	// DynamicsMode backpropagates normalized lambda-return advantages
	// through the dynamics model into the policy.
	DynamicsMode = "dynamics"

	// ReinforceMode weighs action log probabilities by detached
	// normalized advantages.
	ReinforceMode = "reinforce"

	// BothMode blends DynamicsMode and ReinforceMode.
	BothMode = "both"

	// TD3Mode maximizes the first critic's value of a one-step
	// look-ahead under the policy. Only the replay behavior supports
	// it.
	TD3Mode = "td3"
)

// ImagConfig describes an imagination behavior.
type ImagConfig struct {
	// Horizon is the number of imagined states per rollout, including
	// the inferred start state. Must be at least 2.
	Horizon int

	// Lambda mixes bootstrapped values into the return targets.
	Lambda float64

	// Gamma scales predicted continuations into per-step discounts.
	Gamma float64

	// ActorLossMode is "dynamics", "reinforce", or "both".
	ActorLossMode string

	// ImagGradMix blends the dynamics score into the reinforce score
	// when ActorLossMode is "both".
	ImagGradMix float64

	// ActorEntropy scales the policy entropy bonus.
	ActorEntropy float64

	// MFRegScale penalizes the KL divergence from the policy to a
	// coupled replay behavior's policy. Zero disables the penalty.
	MFRegScale float64

	// Slow critic schedule: every SlowTargetUpdate-th Train call the
	// slow critic moves SlowTargetMix of the way to the online critic.
	SlowTargetUpdate int
	SlowTargetMix    float64

	// Actor and Critic describe the policy and value networks. Their
	// Outputs fields are derived.
	Actor  network.FeedForwardConfig
	Critic network.FeedForwardConfig

	// ActorDist selects the policy distribution: "normal" or "onehot".
	ActorDist   string
	ActorMinStd float64
	ActorUnimix float64

	// EMAAlpha is the smoothing rate of the return normalizer.
	EMAAlpha float64

	ActorSolver  *solver.Solver
	CriticSolver *solver.Solver
	Init         *initwfn.InitWFn
	Seed         uint64
}

// Validate returns an error if the configuration cannot construct an
// imagination behavior.
func (c ImagConfig) Validate() error {
	if c.Horizon < 2 {
		return fmt.Errorf("validate: horizon must be at least 2"+
			" \n\thave(%v)", c.Horizon)
	}
	if c.Lambda < 0 || c.Lambda > 1 {
		return fmt.Errorf("validate: lambda must be in [0, 1] \n\thave(%v)",
			c.Lambda)
	}
	if c.Gamma <= 0 || c.Gamma > 1 {
		return fmt.Errorf("validate: gamma must be in (0, 1] \n\thave(%v)",
			c.Gamma)
	}
	switch c.ActorLossMode {
	case DynamicsMode, ReinforceMode, BothMode:
	default:
		return fmt.Errorf("validate: no such actor loss mode: %v",
			c.ActorLossMode)
	}
	if c.ActorLossMode == BothMode &&
		(c.ImagGradMix < 0 || c.ImagGradMix > 1) {
		return fmt.Errorf("validate: gradient mix must be in [0, 1]"+
			" \n\thave(%v)", c.ImagGradMix)
	}
	if c.ActorEntropy < 0 {
		return fmt.Errorf("validate: entropy scale cannot be negative"+
			" \n\thave(%v)", c.ActorEntropy)
	}
	if c.MFRegScale < 0 {
		return fmt.Errorf("validate: regularization scale cannot be "+
			"negative \n\thave(%v)", c.MFRegScale)
	}
	switch c.ActorDist {
	case "normal", "onehot":
	default:
		return fmt.Errorf("validate: no such actor distribution: %v",
			c.ActorDist)
	}
	if c.ActorMinStd < 0 {
		return fmt.Errorf("validate: actor min std cannot be negative"+
			" \n\thave(%v)", c.ActorMinStd)
	}
	if c.ActorUnimix < 0 || c.ActorUnimix >= 1 {
		return fmt.Errorf("validate: actor unimix must be in [0, 1)"+
			" \n\thave(%v)", c.ActorUnimix)
	}
	if c.EMAAlpha <= 0 || c.EMAAlpha > 1 {
		return fmt.Errorf("validate: EMA alpha must be in (0, 1]"+
			" \n\thave(%v)", c.EMAAlpha)
	}
	if c.ActorSolver == nil || c.CriticSolver == nil {
		return fmt.Errorf("validate: no solver")
	}
	if c.Init == nil {
		return fmt.Errorf("validate: no weight initializer")
	}
	return nil
}

// Imagination trains an actor and critic on trajectories imagined by
// a world model's dynamics under the current policy.
type Imagination struct {
	config ImagConfig
	wm     *worldmodel.WorldModel
	rng    *rand.Rand

	// Actor graph: imagined rollout, return targets, actor loss. The
	// world model and critic networks here are re-synced clones whose
	// weights never receive updates on this graph.
	actorG        *G.ExprGraph
	actorVM       G.VM
	actor         *actorHead
	rolloutRSSM   *dynamics.RSSM
	rolloutReward *network.FeedForward
	rolloutCont   *network.FeedForward
	rolloutCritic *network.FeedForward
	actorOptim    *solver.Optimizer

	replay           *Replay    // coupled replay behavior, nil if none
	replayActorClone *actorHead // its policy on the actor graph

	startStoch *G.Node
	startDeter *G.Node
	offset     *G.Node // return normalization, fed between passes
	invScale   *G.Node
	stateNoise []*dynamics.Noise
	actNoise   []*sampleNoise

	actorReads map[string]*G.Value
	targetsVal G.Value // ((H-1)*rows, 1) lambda-return targets
	weightsVal G.Value // ((H-1)*rows, 1) trajectory weights
	featsVal   G.Value // ((H-1)*rows, feat dim) critic inputs

	// Critic graph: value regression against the actor graph's targets
	criticG       *G.ExprGraph
	criticVM      G.VM
	critic        *network.FeedForward
	slow          *network.FeedForward
	criticFeat    *G.Node
	criticTarget  *G.Node
	criticWeights *G.Node
	criticReads   map[string]*G.Value
	criticOptim   *solver.Optimizer

	ema       *RewardEMA
	slowSched *slowUpdater
}

// NewImagination returns a new imagination behavior training against
// wm's latent space. When config.MFRegScale is positive, replay must
// be the behavior whose policy anchors the regularizer; otherwise
// replay may be nil.
func NewImagination(wm *worldmodel.WorldModel, config ImagConfig,
	replay *Replay) (*Imagination, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("newimagination: %v", err)
	}
	if wm == nil {
		return nil, fmt.Errorf("newimagination: no world model")
	}
	if config.MFRegScale > 0 && replay == nil {
		return nil, fmt.Errorf("newimagination: policy regularization " +
			"requires a replay behavior")
	}

	b := &Imagination{
		config:      config,
		wm:          wm,
		rng:         rand.New(rand.NewSource(config.Seed)),
		actorReads:  make(map[string]*G.Value),
		criticReads: make(map[string]*G.Value),
	}
	if config.MFRegScale > 0 {
		b.replay = replay
	}

	var err error
	if b.ema, err = NewRewardEMA(config.EMAAlpha); err != nil {
		return nil, fmt.Errorf("newimagination: %v", err)
	}
	if b.slowSched, err = newSlowUpdater(config.SlowTargetUpdate,
		config.SlowTargetMix); err != nil {
		return nil, fmt.Errorf("newimagination: %v", err)
	}

	if err := b.buildCriticGraph(); err != nil {
		return nil, fmt.Errorf("newimagination: %v", err)
	}
	if err := b.buildActorGraph(); err != nil {
		return nil, fmt.Errorf("newimagination: %v", err)
	}
	return b, nil
}

// rows returns the number of rollout start states: one per flattened
// timestep of the world model's trajectory batches.
func (b *Imagination) rows() int {
	return b.wm.Config().BatchSize * b.wm.Config().TrajLen
}

// buildCriticGraph constructs the value regression graph.
func (b *Imagination) buildCriticGraph() error {
	g := G.NewGraph()
	b.criticG = g
	init := b.config.Init.InitWFn()
	featDim := b.wm.Config().RSSM.FeatDim()
	n := (b.config.Horizon - 1) * b.rows()

	criticConfig := b.config.Critic
	criticConfig.Outputs = 1
	critic, err := network.NewFeedForward(g, "ImagCritic", featDim,
		criticConfig, init)
	if err != nil {
		return fmt.Errorf("could not create critic: %v", err)
	}
	b.critic = critic

	slow, err := network.NewFeedForward(g, "ImagSlowCritic", featDim,
		criticConfig, init)
	if err != nil {
		return fmt.Errorf("could not create slow critic: %v", err)
	}
	if err := slow.Set(critic); err != nil {
		return fmt.Errorf("could not initialize slow critic: %v", err)
	}
	b.slow = slow

	b.criticFeat = placeholder(g, "ImagCriticFeat", n, featDim)
	b.criticTarget = placeholder(g, "ImagCriticTarget", n, 1)
	b.criticWeights = G.NewVector(g, tensor.Float64, G.WithShape(n),
		G.WithName("ImagCriticWeights"), G.WithInit(G.Zeroes()))

	loss, meanValue, err := criticLoss(critic, slow, b.criticFeat,
		b.criticTarget, b.criticWeights, "ImagCritic")
	if err != nil {
		return err
	}
	readScalar(b.criticReads, "critic_loss", loss)
	readScalar(b.criticReads, "critic_value", meanValue)

	learnables := critic.Learnables()
	if _, err := G.Grad(loss, learnables...); err != nil {
		return fmt.Errorf("could not build critic gradient: %v", err)
	}
	b.criticVM = G.NewTapeMachine(g, G.BindDualValues(learnables...))

	if b.criticOptim, err = solver.NewOptimizer("imagination critic",
		b.config.CriticSolver, learnables); err != nil {
		return fmt.Errorf("could not create critic optimizer: %v", err)
	}
	return nil
}

// buildActorGraph constructs the rollout and actor loss graph.
func (b *Imagination) buildActorGraph() error {
	g := G.NewGraph()
	b.actorG = g
	init := b.config.Init.InitWFn()
	config := b.config
	wmConfig := b.wm.Config()
	rows := b.rows()
	featDim := wmConfig.RSSM.FeatDim()
	variant := wmConfig.RSSM.Variant()
	h := config.Horizon

	b.startStoch = placeholder(g, "ImagStartStoch", rows,
		wmConfig.RSSM.StochDim())
	b.startDeter = placeholder(g, "ImagStartDeter", rows,
		wmConfig.RSSM.Deter)
	b.offset = G.NewScalar(g, tensor.Float64, G.WithName("ImagOffset"),
		G.WithValue(0.0))
	b.invScale = G.NewScalar(g, tensor.Float64,
		G.WithName("ImagInvScale"), G.WithValue(1.0))

	var err error
	if b.rolloutRSSM, err = b.wm.RSSM().CloneTo(g, "Imag",
		rows); err != nil {
		return fmt.Errorf("could not clone dynamics: %v", err)
	}
	if b.rolloutReward, err = b.wm.RewardHead().CloneTo(g); err != nil {
		return fmt.Errorf("could not clone reward head: %v", err)
	}
	if b.rolloutCont, err = b.wm.ContHead().CloneTo(g); err != nil {
		return fmt.Errorf("could not clone cont head: %v", err)
	}
	if b.rolloutCritic, err = b.critic.CloneTo(g); err != nil {
		return fmt.Errorf("could not clone critic: %v", err)
	}

	if b.actor, err = newActorHead(g, "ImagActor", featDim, config.Actor,
		config.ActorDist, wmConfig.ActionDim, config.ActorMinStd,
		config.ActorUnimix, init); err != nil {
		return fmt.Errorf("could not create actor: %v", err)
	}
	if b.replay != nil {
		if b.replayActorClone, err = b.replay.actor.cloneTo(g); err != nil {
			return fmt.Errorf("could not clone replay actor: %v", err)
		}
	}

	b.stateNoise = b.rolloutRSSM.NewNoiseSequence("ImagStateNoise", h-1)
	b.actNoise = make([]*sampleNoise, h-1)
	for t := range b.actNoise {
		b.actNoise[t] = b.actor.newNoise(g,
			fmt.Sprintf("ImagActNoise%d", t), rows)
	}

	// Imagined rollout. Policies act on detached features so that
	// value gradients reach actions only through the dynamics.
	state := dynamics.NewState(variant, b.startStoch, b.startDeter)
	feats := make([]*G.Node, h)
	logProbs := make([]*G.Node, h-1)
	entropies := make([]*G.Node, h-1)
	klRegs := make([]*G.Node, h-1)

	for t := 0; t < h; t++ {
		if feats[t], err = b.rolloutRSSM.Feat(state); err != nil {
			return fmt.Errorf("could not build features at step %v: %v", t,
				err)
		}
		if t == h-1 {
			break
		}

		sgFeat, err := op.StopGradient(feats[t])
		if err != nil {
			return fmt.Errorf("could not detach features at step %v: %v", t,
				err)
		}
		dist, err := b.actor.policy(sgFeat)
		if err != nil {
			return fmt.Errorf("could not build policy at step %v: %v", t, err)
		}
		action, err := dist.Sample(b.actNoise[t].node)
		if err != nil {
			return fmt.Errorf("could not sample action at step %v: %v", t,
				err)
		}

		sgAction, err := op.StopGradient(action)
		if err != nil {
			return fmt.Errorf("could not detach action at step %v: %v", t,
				err)
		}
		if logProbs[t], err = dist.LogProb(sgAction); err != nil {
			return fmt.Errorf("could not build log probability at step "+
				"%v: %v", t, err)
		}
		if entropies[t], err = dist.Entropy(); err != nil {
			return fmt.Errorf("could not build entropy at step %v: %v", t,
				err)
		}
		if b.replayActorClone != nil {
			replayDist, err := b.replayActorClone.policy(sgFeat)
			if err != nil {
				return fmt.Errorf("could not build replay policy at step "+
					"%v: %v", t, err)
			}
			if klRegs[t], err = klPolicy(dist, replayDist); err != nil {
				return fmt.Errorf("could not build policy divergence at "+
					"step %v: %v", t, err)
			}
		}

		if state, err = b.rolloutRSSM.ImgStep(state, action,
			b.stateNoise[t]); err != nil {
			return fmt.Errorf("could not imagine step %v: %v", t, err)
		}
	}

	// Per-state predictions
	rewards := make([]*G.Node, h)
	discounts := make([]*G.Node, h)
	values := make([]*G.Node, h)
	for t := 0; t < h; t++ {
		if rewards[t], err = b.rolloutReward.Fwd(feats[t]); err != nil {
			return fmt.Errorf("could not predict reward at step %v: %v", t,
				err)
		}
		if discounts[t], err = discountNode(b.rolloutCont, feats[t],
			b.config.Gamma); err != nil {
			return fmt.Errorf("could not predict discount at step %v: %v", t,
				err)
		}
		if values[t], err = b.rolloutCritic.Fwd(feats[t]); err != nil {
			return fmt.Errorf("could not predict value at step %v: %v", t,
				err)
		}
	}

	targets, err := returns.LambdaReturn(rewards, values, discounts,
		config.Lambda)
	if err != nil {
		return fmt.Errorf("could not build return targets: %v", err)
	}
	weights, err := returns.DiscountWeights(discounts)
	if err != nil {
		return fmt.Errorf("could not build trajectory weights: %v", err)
	}

	// Actor loss per step: the negated weighted score, minus the
	// entropy bonus, plus the policy regularizer. The bonus and the
	// regularizer are not discount weighted.
	cols := make([]*G.Node, h-1)
	for t := 0; t < h-1; t++ {
		score, err := b.actorScore(targets[t], values[t], logProbs[t], rows)
		if err != nil {
			return fmt.Errorf("could not build actor score at step %v: %v",
				t, err)
		}
		col, err := G.HadamardProd(score, weights[t])
		if err != nil {
			return fmt.Errorf("could not weight actor score at step %v: %v",
				t, err)
		}
		if col, err = G.Neg(col); err != nil {
			return fmt.Errorf("could not negate actor score at step %v: %v",
				t, err)
		}
		if config.ActorEntropy > 0 {
			bonus, err := scaledColumn(entropies[t], config.ActorEntropy,
				rows)
			if err != nil {
				return fmt.Errorf("could not build entropy bonus at step "+
					"%v: %v", t, err)
			}
			if col, err = G.Sub(col, bonus); err != nil {
				return fmt.Errorf("could not apply entropy bonus at step "+
					"%v: %v", t, err)
			}
		}
		if klRegs[t] != nil {
			penalty, err := scaledColumn(klRegs[t], config.MFRegScale, rows)
			if err != nil {
				return fmt.Errorf("could not build policy penalty at step "+
					"%v: %v", t, err)
			}
			if col, err = G.Add(col, penalty); err != nil {
				return fmt.Errorf("could not apply policy penalty at step "+
					"%v: %v", t, err)
			}
		}
		cols[t] = col
	}

	stack, err := concatRows(cols)
	if err != nil {
		return fmt.Errorf("could not stack actor scores: %v", err)
	}
	actorLoss, err := G.Mean(stack)
	if err != nil {
		return fmt.Errorf("could not build actor loss: %v", err)
	}
	readScalar(b.actorReads, "actor_loss", actorLoss)

	if err := b.readRolloutStats(targets, weights, feats, entropies,
		klRegs); err != nil {
		return err
	}

	learnables := b.actor.net.Learnables()
	if _, err := G.Grad(actorLoss, learnables...); err != nil {
		return fmt.Errorf("could not build actor gradient: %v", err)
	}
	b.actorVM = G.NewTapeMachine(g, G.BindDualValues(learnables...))

	if b.actorOptim, err = solver.NewOptimizer("imagination actor",
		b.config.ActorSolver, learnables); err != nil {
		return fmt.Errorf("could not create actor optimizer: %v", err)
	}
	return nil
}

// actorScore builds one step's unweighted actor score from the return
// target, the value baseline, and the policy log probability,
// according to the configured loss mode.
func (b *Imagination) actorScore(target, value, logProb *G.Node,
	rows int) (*G.Node, error) {
	switch b.config.ActorLossMode {
	case DynamicsMode:
		return normedAdvantage(target, value, b.invScale)
	case ReinforceMode:
		return reinforceScore(target, value, logProb, rows)
	case BothMode:
		rein, err := reinforceScore(target, value, logProb, rows)
		if err != nil {
			return nil, err
		}
		mixed, err := G.HadamardProd(target,
			G.NewConstant(b.config.ImagGradMix))
		if err != nil {
			return nil, err
		}
		rest, err := G.HadamardProd(rein,
			G.NewConstant(1-b.config.ImagGradMix))
		if err != nil {
			return nil, err
		}
		return G.Add(mixed, rest)
	}
	return nil, fmt.Errorf("no such actor loss mode: %v",
		b.config.ActorLossMode)
}

// readRolloutStats registers the rollout readouts: targets, weights,
// and features for the critic, plus scalar metrics.
func (b *Imagination) readRolloutStats(targets, weights,
	feats []*G.Node, entropies, klRegs []*G.Node) error {
	h := b.config.Horizon

	targetsFlat, err := concatRows(targets)
	if err != nil {
		return fmt.Errorf("could not stack targets: %v", err)
	}
	G.Read(targetsFlat, &b.targetsVal)

	weightsFlat, err := concatRows(weights[:h-1])
	if err != nil {
		return fmt.Errorf("could not stack weights: %v", err)
	}
	G.Read(weightsFlat, &b.weightsVal)

	featsFlat, err := concatRows(feats[:h-1])
	if err != nil {
		return fmt.Errorf("could not stack features: %v", err)
	}
	G.Read(featsFlat, &b.featsVal)

	targetMean, err := G.Mean(targetsFlat)
	if err != nil {
		return fmt.Errorf("could not reduce targets: %v", err)
	}
	readScalar(b.actorReads, "target_mean", targetMean)

	shifted, err := G.Sub(targetsFlat, b.offset)
	if err != nil {
		return fmt.Errorf("could not normalize targets: %v", err)
	}
	normed, err := G.HadamardProd(shifted, b.invScale)
	if err != nil {
		return fmt.Errorf("could not normalize targets: %v", err)
	}
	normedMean, err := G.Mean(normed)
	if err != nil {
		return fmt.Errorf("could not reduce normalized targets: %v", err)
	}
	readScalar(b.actorReads, "normed_target_mean", normedMean)

	entropyFlat, err := concatRows(entropies)
	if err != nil {
		return fmt.Errorf("could not stack entropies: %v", err)
	}
	entropyMean, err := G.Mean(entropyFlat)
	if err != nil {
		return fmt.Errorf("could not reduce entropies: %v", err)
	}
	readScalar(b.actorReads, "actor_entropy", entropyMean)

	if b.replayActorClone != nil {
		klFlat, err := concatRows(klRegs)
		if err != nil {
			return fmt.Errorf("could not stack policy divergences: %v", err)
		}
		klMean, err := G.Mean(klFlat)
		if err != nil {
			return fmt.Errorf("could not reduce policy divergences: %v", err)
		}
		readScalar(b.actorReads, "actor_mf_kl", klMean)
	}
	return nil
}

// Train runs one imagination update from the latent states a world
// model training step inferred: one actor step, one critic step, and
// one slow-critic tick.
func (b *Imagination) Train(ctx *worldmodel.Context) (map[string]float64,
	error) {
	if ctx == nil {
		return nil, fmt.Errorf("train: no latent context")
	}
	if ctx.Rows() != b.rows() {
		return nil, fmt.Errorf("train: context does not match the "+
			"configured dimensions \n\twant(%v rows)\n\thave(%v)", b.rows(),
			ctx.Rows())
	}

	// Pull current weights into the rollout clones
	if err := b.syncClones(); err != nil {
		return nil, fmt.Errorf("train: %v", err)
	}

	if err := G.Let(b.startStoch, ctx.Posterior.Stoch); err != nil {
		return nil, fmt.Errorf("train: could not feed start states: %v", err)
	}
	if err := G.Let(b.startDeter, ctx.Posterior.Deter); err != nil {
		return nil, fmt.Errorf("train: could not feed start states: %v", err)
	}
	for _, n := range b.stateNoise {
		if err := n.Feed(b.rng); err != nil {
			return nil, fmt.Errorf("train: could not feed noise: %v", err)
		}
	}
	for _, n := range b.actNoise {
		if err := n.feed(b.rng); err != nil {
			return nil, fmt.Errorf("train: could not feed noise: %v", err)
		}
	}

	// First pass computes the return targets; the normalizer update
	// then fixes the advantage scale for the gradient pass. The noise
	// is not redrawn, so both passes see the same rollout.
	if err := b.actorVM.RunAll(); err != nil {
		return nil, fmt.Errorf("train: could not run rollout: %v", err)
	}
	targets := cloneValue(b.targetsVal)
	weights := cloneValue(b.weightsVal)
	feats := cloneValue(b.featsVal)
	b.actorVM.Reset()

	offset, invScale, err := b.ema.Update(targets.Data().([]float64))
	if err != nil {
		return nil, fmt.Errorf("train: could not update return "+
			"normalizer: %v", err)
	}
	if err := G.Let(b.offset, offset); err != nil {
		return nil, fmt.Errorf("train: could not feed normalization: %v", err)
	}
	if err := G.Let(b.invScale, invScale); err != nil {
		return nil, fmt.Errorf("train: could not feed normalization: %v", err)
	}

	if err := b.actorVM.RunAll(); err != nil {
		return nil, fmt.Errorf("train: could not run actor graph: %v", err)
	}
	metrics := make(map[string]float64,
		len(b.actorReads)+len(b.criticReads)+4)
	for name, val := range b.actorReads {
		metrics[name] = (*val).Data().(float64)
	}
	actorGradNorm, err := b.actorOptim.Step()
	if err != nil {
		return nil, fmt.Errorf("train: could not step actor solver: %v", err)
	}
	metrics["actor_grad_norm"] = actorGradNorm
	b.actorVM.Reset()

	// Critic regression on the imagined features
	if err := regressCritics(b.criticVM, b.criticOptim, b.criticFeat,
		b.criticTarget, b.criticWeights, feats, targets, weights,
		b.criticReads, metrics); err != nil {
		return nil, fmt.Errorf("train: %v", err)
	}

	if b.slowSched.tick() {
		if err := b.slow.Polyak(b.critic, b.slowSched.Mix); err != nil {
			return nil, fmt.Errorf("train: could not update slow critic: %v",
				err)
		}
	}

	low, high := b.ema.Values()
	metrics["ema_low"] = low
	metrics["ema_high"] = high
	return metrics, nil
}

// syncClones pulls the current world model, critic, and coupled
// policy weights into the rollout graph.
func (b *Imagination) syncClones() error {
	if err := b.rolloutRSSM.Set(b.wm.RSSM()); err != nil {
		return fmt.Errorf("could not sync dynamics: %v", err)
	}
	if err := b.rolloutReward.Set(b.wm.RewardHead()); err != nil {
		return fmt.Errorf("could not sync reward head: %v", err)
	}
	if err := b.rolloutCont.Set(b.wm.ContHead()); err != nil {
		return fmt.Errorf("could not sync cont head: %v", err)
	}
	if err := b.rolloutCritic.Set(b.critic); err != nil {
		return fmt.Errorf("could not sync critic: %v", err)
	}
	if b.replayActorClone != nil {
		if err := b.replayActorClone.set(b.replay.actor); err != nil {
			return fmt.Errorf("could not sync replay actor: %v", err)
		}
	}
	return nil
}

// Actor returns the behavior's policy network. Collaborators clone it
// onto their own graphs.
func (b *Imagination) Actor() *network.FeedForward {
	return b.actor.net
}

// GobEncode implements the gob.GobEncoder interface
func (b *Imagination) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	for _, part := range []interface{}{b.actor.net, b.critic, b.slow,
		b.ema, b.slowSched} {
		if err := enc.Encode(part); err != nil {
			return nil, fmt.Errorf("gobencode: could not encode behavior: %v",
				err)
		}
	}
	return buf.Bytes(), nil
}

// GobDecode implements the gob.GobDecoder interface. Decoding fills
// the weights and counters of the already-constructed behavior.
func (b *Imagination) GobDecode(in []byte) error {
	buf := bytes.NewReader(in)
	dec := gob.NewDecoder(buf)

	nets := []struct {
		dst  *network.FeedForward
		name string
	}{
		{b.actor.net, "actor"},
		{b.critic, "critic"},
		{b.slow, "slow critic"},
	}
	for _, n := range nets {
		src := new(network.FeedForward)
		if err := dec.Decode(src); err != nil {
			return fmt.Errorf("gobdecode: could not decode %v: %v", n.name,
				err)
		}
		if err := n.dst.Set(src); err != nil {
			return fmt.Errorf("gobdecode: could not set %v: %v", n.name, err)
		}
	}

	if err := dec.Decode(b.ema); err != nil {
		return fmt.Errorf("gobdecode: could not decode return normalizer: "+
			"%v", err)
	}
	if err := dec.Decode(b.slowSched); err != nil {
		return fmt.Errorf("gobdecode: could not decode slow critic "+
			"schedule: %v", err)
	}
	return nil
}
