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
	"github.com/samuelfneumann/godreamer/utils/floatutils"
	"github.com/samuelfneumann/godreamer/utils/op"
	"github.com/samuelfneumann/godreamer/utils/tensorutils"
	"github.com/samuelfneumann/godreamer/worldmodel"
	"golang.org/x/exp/rand"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// ReplayConfig describes a replay behavior.
type ReplayConfig struct {
	// Lambda mixes bootstrapped values into the return targets.
	Lambda float64

	// ActorLossMode is "dynamics", "reinforce", "both", or "td3".
	ActorLossMode string

	// BehaviorMix blends the raw return targets into the reinforce
	// score when ActorLossMode is "both".
	BehaviorMix float64

	// ActorEntropy scales the policy entropy bonus. The "td3" mode
	// has no entropy term.
	ActorEntropy float64

	// Look-ahead actions are perturbed by per-element uniform noise in
	// [0, NoiseScale], clipped to [-NoiseClip, NoiseClip].
	NoiseScale float64
	NoiseClip  float64

	// The actor solver steps only on calls whose index divides by both
	// PolicyFreq and ActorDelay; the critics step on every call.
	PolicyFreq int
	ActorDelay int

	// Slow critic schedule: every SlowTargetUpdate-th Train call both
	// slow critics move SlowTargetMix of the way to their online
	// critics.
	SlowTargetUpdate int
	SlowTargetMix    float64

	// Actor and Critic describe the policy and value networks. Their
	// Outputs fields are derived. Both critics share the Critic
	// configuration but draw independent initial weights.
	Actor  network.FeedForwardConfig
	Critic network.FeedForwardConfig

	// ActorDist selects the policy distribution: "normal" or "onehot".
	ActorDist   string
	ActorMinStd float64
	ActorUnimix float64

	// EMAAlpha is the smoothing rate of the return normalizer. The
	// "td3" mode does not use the normalizer.
	EMAAlpha float64

	ActorSolver  *solver.Solver
	CriticSolver *solver.Solver
	Init         *initwfn.InitWFn
	Seed         uint64
}

// Validate returns an error if the configuration cannot construct a
// replay behavior.
func (c ReplayConfig) Validate() error {
	if c.Lambda < 0 || c.Lambda > 1 {
		return fmt.Errorf("validate: lambda must be in [0, 1] \n\thave(%v)",
			c.Lambda)
	}
	switch c.ActorLossMode {
	case DynamicsMode, ReinforceMode, BothMode, TD3Mode:
	default:
		return fmt.Errorf("validate: no such actor loss mode: %v",
			c.ActorLossMode)
	}
	if c.ActorLossMode == BothMode &&
		(c.BehaviorMix < 0 || c.BehaviorMix > 1) {
		return fmt.Errorf("validate: behavior mix must be in [0, 1]"+
			" \n\thave(%v)", c.BehaviorMix)
	}
	if c.ActorEntropy < 0 {
		return fmt.Errorf("validate: entropy scale cannot be negative"+
			" \n\thave(%v)", c.ActorEntropy)
	}
	if c.NoiseScale < 0 {
		return fmt.Errorf("validate: noise scale cannot be negative"+
			" \n\thave(%v)", c.NoiseScale)
	}
	if c.NoiseClip < 0 {
		return fmt.Errorf("validate: noise clip cannot be negative"+
			" \n\thave(%v)", c.NoiseClip)
	}
	if c.PolicyFreq < 1 {
		return fmt.Errorf("validate: policy frequency must be positive"+
			" \n\thave(%v)", c.PolicyFreq)
	}
	if c.ActorDelay < 1 {
		return fmt.Errorf("validate: actor delay must be positive"+
			" \n\thave(%v)", c.ActorDelay)
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

// Replay trains an actor and twin critics on replayed trajectories.
// The world model only infers latent features and advances one noisy
// look-ahead step through its dynamics; the value targets come from
// the replayed rewards and discounts, bootstrapped with the smaller of
// the two critics at the look-ahead features.
type Replay struct {
	config ReplayConfig
	wm     *worldmodel.WorldModel
	rng    *rand.Rand
	step   int

	// Rollout graph: latent inference over the replayed batch, the
	// noisy look-ahead, return targets, and the actor loss. The world
	// model and critic networks here are re-synced clones.
	rolloutG    *G.ExprGraph
	rolloutVM   G.VM
	actor       *actorHead
	rolloutEnc  *network.FeedForward
	rolloutRSSM *dynamics.RSSM
	rolloutC1   *network.FeedForward
	rolloutC2   *network.FeedForward
	actorOptim  *solver.Optimizer

	obs       map[string]*G.Node
	action    *G.Node
	isFirst   *G.Node
	reward    *G.Node
	discount  *G.Node
	explNoise *G.Node
	offset    *G.Node // nil in "td3" mode
	invScale  *G.Node
	obsNoise  []*dynamics.Noise
	stepNoise *dynamics.Noise
	actNoise  *sampleNoise

	// Second policy sample and dynamics step of the "td3" actor loss
	td3Noise     *sampleNoise
	td3StepNoise *dynamics.Noise

	rolloutReads map[string]*G.Value
	targetsVal   G.Value // ((T-1)*B, 1) lambda-return targets
	weightsVal   G.Value // ((T-1)*B, 1) trajectory weights
	featsVal     G.Value // ((T-1)*B, feat dim) critic inputs

	// Critic graph: twin regressions against the rollout's targets
	criticG          *G.ExprGraph
	criticVM         G.VM
	critic1, critic2 *network.FeedForward
	slow1, slow2     *network.FeedForward
	criticFeat       *G.Node
	criticTarget     *G.Node
	criticWeights    *G.Node
	criticReads      map[string]*G.Value
	criticOptim      *solver.Optimizer

	ema       *RewardEMA
	slowSched *slowUpdater
}

// NewReplay returns a new replay behavior training against wm's latent
// space on the same trajectory batches that train wm.
func NewReplay(wm *worldmodel.WorldModel,
	config ReplayConfig) (*Replay, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("newreplay: %v", err)
	}
	if wm == nil {
		return nil, fmt.Errorf("newreplay: no world model")
	}

	b := &Replay{
		config:       config,
		wm:           wm,
		rng:          rand.New(rand.NewSource(config.Seed)),
		rolloutReads: make(map[string]*G.Value),
		criticReads:  make(map[string]*G.Value),
	}

	var err error
	if b.ema, err = NewRewardEMA(config.EMAAlpha); err != nil {
		return nil, fmt.Errorf("newreplay: %v", err)
	}
	if b.slowSched, err = newSlowUpdater(config.SlowTargetUpdate,
		config.SlowTargetMix); err != nil {
		return nil, fmt.Errorf("newreplay: %v", err)
	}

	if err := b.buildCriticGraph(); err != nil {
		return nil, fmt.Errorf("newreplay: %v", err)
	}
	if err := b.buildRolloutGraph(); err != nil {
		return nil, fmt.Errorf("newreplay: %v", err)
	}
	return b, nil
}

// rows returns the number of flattened timesteps per trajectory batch.
func (b *Replay) rows() int {
	return b.wm.Config().BatchSize * b.wm.Config().TrajLen
}

// headRows returns the number of rows carrying return targets: every
// timestep except the last of each trajectory.
func (b *Replay) headRows() int {
	return b.wm.Config().BatchSize * (b.wm.Config().TrajLen - 1)
}

// buildCriticGraph constructs the twin value regression graph. Both
// critics regress on the same targets and step under one optimizer,
// each regularized toward its own slow critic.
func (b *Replay) buildCriticGraph() error {
	g := G.NewGraph()
	b.criticG = g
	init := b.config.Init.InitWFn()
	featDim := b.wm.Config().RSSM.FeatDim()
	n := b.headRows()

	criticConfig := b.config.Critic
	criticConfig.Outputs = 1
	var err error
	if b.critic1, err = network.NewFeedForward(g, "ReplayCritic1", featDim,
		criticConfig, init); err != nil {
		return fmt.Errorf("could not create first critic: %v", err)
	}
	if b.critic2, err = network.NewFeedForward(g, "ReplayCritic2", featDim,
		criticConfig, init); err != nil {
		return fmt.Errorf("could not create second critic: %v", err)
	}
	if b.slow1, err = network.NewFeedForward(g, "ReplaySlowCritic1",
		featDim, criticConfig, init); err != nil {
		return fmt.Errorf("could not create first slow critic: %v", err)
	}
	if err := b.slow1.Set(b.critic1); err != nil {
		return fmt.Errorf("could not initialize first slow critic: %v", err)
	}
	if b.slow2, err = network.NewFeedForward(g, "ReplaySlowCritic2",
		featDim, criticConfig, init); err != nil {
		return fmt.Errorf("could not create second slow critic: %v", err)
	}
	if err := b.slow2.Set(b.critic2); err != nil {
		return fmt.Errorf("could not initialize second slow critic: %v", err)
	}

	b.criticFeat = placeholder(g, "ReplayCriticFeat", n, featDim)
	b.criticTarget = placeholder(g, "ReplayCriticTarget", n, 1)
	b.criticWeights = G.NewVector(g, tensor.Float64, G.WithShape(n),
		G.WithName("ReplayCriticWeights"), G.WithInit(G.Zeroes()))

	loss1, mean1, err := criticLoss(b.critic1, b.slow1, b.criticFeat,
		b.criticTarget, b.criticWeights, "ReplayCritic1")
	if err != nil {
		return err
	}
	loss2, mean2, err := criticLoss(b.critic2, b.slow2, b.criticFeat,
		b.criticTarget, b.criticWeights, "ReplayCritic2")
	if err != nil {
		return err
	}
	loss, err := G.Add(loss1, loss2)
	if err != nil {
		return fmt.Errorf("could not combine critic losses: %v", err)
	}
	readScalar(b.criticReads, "critic_loss", loss)
	readScalar(b.criticReads, "critic1_value", mean1)
	readScalar(b.criticReads, "critic2_value", mean2)

	learnables := append(b.critic1.Learnables(),
		b.critic2.Learnables()...)
	if _, err := G.Grad(loss, learnables...); err != nil {
		return fmt.Errorf("could not build critic gradient: %v", err)
	}
	b.criticVM = G.NewTapeMachine(g, G.BindDualValues(learnables...))

	if b.criticOptim, err = solver.NewOptimizer("replay critics",
		b.config.CriticSolver, learnables); err != nil {
		return fmt.Errorf("could not create critic optimizer: %v", err)
	}
	return nil
}

// buildRolloutGraph constructs the latent inference, look-ahead, and
// actor loss graph.
func (b *Replay) buildRolloutGraph() error {
	g := G.NewGraph()
	b.rolloutG = g
	init := b.config.Init.InitWFn()
	config := b.config
	wmConfig := b.wm.Config()
	batch := wmConfig.BatchSize
	steps := wmConfig.TrajLen
	rows := b.rows()
	featDim := wmConfig.RSSM.FeatDim()
	variant := wmConfig.RSSM.Variant()

	obsNodes := make([]*G.Node, len(wmConfig.Modalities))
	b.obs = make(map[string]*G.Node, len(wmConfig.Modalities))
	for i, m := range wmConfig.Modalities {
		node := placeholder(g, "ReplayObs"+m.Name, rows, m.Size)
		b.obs[m.Name] = node
		obsNodes[i] = node
	}
	b.action = placeholder(g, "ReplayAction", rows, wmConfig.ActionDim)
	b.isFirst = placeholder(g, "ReplayIsFirst", rows, 1)
	b.reward = placeholder(g, "ReplayReward", rows, 1)
	b.discount = placeholder(g, "ReplayDiscount", rows, 1)
	b.explNoise = placeholder(g, "ReplayExplNoise", rows,
		wmConfig.ActionDim)
	if config.ActorLossMode != TD3Mode {
		b.offset = G.NewScalar(g, tensor.Float64,
			G.WithName("ReplayOffset"), G.WithValue(0.0))
		b.invScale = G.NewScalar(g, tensor.Float64,
			G.WithName("ReplayInvScale"), G.WithValue(1.0))
	}

	var err error
	if b.rolloutEnc, err = b.wm.Encoder().CloneTo(g); err != nil {
		return fmt.Errorf("could not clone encoder: %v", err)
	}
	if b.rolloutRSSM, err = b.wm.RSSM().CloneTo(g, "Replay",
		batch); err != nil {
		return fmt.Errorf("could not clone dynamics: %v", err)
	}
	if b.rolloutC1, err = b.critic1.CloneTo(g); err != nil {
		return fmt.Errorf("could not clone first critic: %v", err)
	}
	if b.rolloutC2, err = b.critic2.CloneTo(g); err != nil {
		return fmt.Errorf("could not clone second critic: %v", err)
	}
	if b.actor, err = newActorHead(g, "ReplayActor", featDim, config.Actor,
		config.ActorDist, wmConfig.ActionDim, config.ActorMinStd,
		config.ActorUnimix, init); err != nil {
		return fmt.Errorf("could not create actor: %v", err)
	}

	b.obsNoise = b.rolloutRSSM.NewNoiseSequence("ReplayObsNoise", steps)
	b.stepNoise = b.rolloutRSSM.NewNoise("ReplayStepNoise", rows)
	b.actNoise = b.actor.newNoise(g, "ReplayActNoise", rows)
	if config.ActorLossMode == TD3Mode {
		b.td3Noise = b.actor.newNoise(g, "ReplayTD3Noise", rows)
		b.td3StepNoise = b.rolloutRSSM.NewNoise("ReplayTD3StepNoise", rows)
	}

	// Latent inference over the replayed trajectories. The embedding
	// is detached: behavior gradients never reach the encoder.
	obsCat := obsNodes[0]
	if len(obsNodes) > 1 {
		if obsCat, err = G.Concat(1, obsNodes...); err != nil {
			return fmt.Errorf("could not concatenate observations: %v", err)
		}
	}
	embed, err := b.rolloutEnc.Fwd(obsCat)
	if err != nil {
		return fmt.Errorf("could not encode observations: %v", err)
	}
	sgEmbed, err := op.StopGradient(embed)
	if err != nil {
		return fmt.Errorf("could not detach embedding: %v", err)
	}
	post, _, err := b.rolloutRSSM.Observe(sgEmbed, b.action, b.isFirst,
		nil, b.obsNoise)
	if err != nil {
		return fmt.Errorf("could not infer latent states: %v", err)
	}

	sgFeats, err := op.StopGradient(post.Feat)
	if err != nil {
		return fmt.Errorf("could not detach features: %v", err)
	}
	dist, err := b.actor.policy(sgFeats)
	if err != nil {
		return fmt.Errorf("could not build policy: %v", err)
	}

	// Noisy one-step look-ahead bootstrapping the return targets
	sgStoch, err := op.StopGradient(post.Stoch)
	if err != nil {
		return fmt.Errorf("could not detach states: %v", err)
	}
	sgDeter, err := op.StopGradient(post.Deter)
	if err != nil {
		return fmt.Errorf("could not detach states: %v", err)
	}
	sgState := dynamics.NewState(variant, sgStoch, sgDeter)

	sample, err := dist.Sample(b.actNoise.node)
	if err != nil {
		return fmt.Errorf("could not sample look-ahead actions: %v", err)
	}
	noisyAction, err := G.Add(sample, b.explNoise)
	if err != nil {
		return fmt.Errorf("could not perturb look-ahead actions: %v", err)
	}
	next, err := b.rolloutRSSM.ImgStep(sgState, noisyAction, b.stepNoise)
	if err != nil {
		return fmt.Errorf("could not advance look-ahead step: %v", err)
	}
	nextFeat, err := b.rolloutRSSM.Feat(next)
	if err != nil {
		return fmt.Errorf("could not build look-ahead features: %v", err)
	}

	v1, err := b.rolloutC1.Fwd(nextFeat)
	if err != nil {
		return fmt.Errorf("could not predict look-ahead values: %v", err)
	}
	v2, err := b.rolloutC2.Fwd(nextFeat)
	if err != nil {
		return fmt.Errorf("could not predict look-ahead values: %v", err)
	}
	vmin, err := op.Min(v1, v2)
	if err != nil {
		return fmt.Errorf("could not combine look-ahead values: %v", err)
	}

	rewardT, err := rowBlocks(b.reward, steps, batch)
	if err != nil {
		return fmt.Errorf("could not split rewards: %v", err)
	}
	discountT, err := rowBlocks(b.discount, steps, batch)
	if err != nil {
		return fmt.Errorf("could not split discounts: %v", err)
	}
	vminT, err := rowBlocks(vmin, steps, batch)
	if err != nil {
		return fmt.Errorf("could not split look-ahead values: %v", err)
	}

	targets, err := returns.LambdaReturn(rewardT, vminT, discountT,
		config.Lambda)
	if err != nil {
		return fmt.Errorf("could not build return targets: %v", err)
	}
	weights, err := returns.DiscountWeights(discountT)
	if err != nil {
		return fmt.Errorf("could not build trajectory weights: %v", err)
	}

	actorLoss, err := b.actorLoss(dist, sgState, targets, weights, vminT,
		sgFeats)
	if err != nil {
		return err
	}
	readScalar(b.rolloutReads, "actor_loss", actorLoss)

	if err := b.readRolloutStats(dist, targets, weights, sgFeats); err != nil {
		return err
	}

	learnables := b.actor.net.Learnables()
	if _, err := G.Grad(actorLoss, learnables...); err != nil {
		return fmt.Errorf("could not build actor gradient: %v", err)
	}
	b.rolloutVM = G.NewTapeMachine(g, G.BindDualValues(learnables...))

	if b.actorOptim, err = solver.NewOptimizer("replay actor",
		b.config.ActorSolver, learnables); err != nil {
		return fmt.Errorf("could not create actor optimizer: %v", err)
	}
	return nil
}

// actorLoss builds the configured actor loss over the replayed
// timesteps carrying targets.
func (b *Replay) actorLoss(dist policyDist, sgState *dynamics.State,
	targets, weights, vminT []*G.Node, sgFeats *G.Node) (*G.Node, error) {
	if b.config.ActorLossMode == TD3Mode {
		return b.td3Loss(dist, sgState)
	}

	batch := b.wm.Config().BatchSize
	steps := b.wm.Config().TrajLen
	rows := b.rows()

	// The reinforce score weighs the log probabilities of the replayed
	// actions by raw advantages against the first critic.
	var lpCol, v1Feats *G.Node
	if b.config.ActorLossMode != DynamicsMode {
		lpVec, err := dist.LogProb(b.action)
		if err != nil {
			return nil, fmt.Errorf("could not build log probabilities: %v",
				err)
		}
		if lpCol, err = G.Reshape(lpVec, tensor.Shape{rows, 1}); err != nil {
			return nil, fmt.Errorf("could not reshape log probabilities: "+
				"%v", err)
		}
		if v1Feats, err = b.rolloutC1.Fwd(sgFeats); err != nil {
			return nil, fmt.Errorf("could not predict baselines: %v", err)
		}
	}

	cols := make([]*G.Node, steps-1)
	for t := 0; t < steps-1; t++ {
		score, err := b.replayScore(targets[t], vminT[t], lpCol, v1Feats,
			t, batch)
		if err != nil {
			return nil, fmt.Errorf("could not build actor score at step "+
				"%v: %v", t, err)
		}
		col, err := G.HadamardProd(score, weights[t])
		if err != nil {
			return nil, fmt.Errorf("could not weight actor score at step "+
				"%v: %v", t, err)
		}
		if cols[t], err = G.Neg(col); err != nil {
			return nil, fmt.Errorf("could not negate actor score at step "+
				"%v: %v", t, err)
		}
	}
	flat, err := concatRows(cols)
	if err != nil {
		return nil, fmt.Errorf("could not stack actor scores: %v", err)
	}

	if b.config.ActorEntropy > 0 {
		entVec, err := dist.Entropy()
		if err != nil {
			return nil, fmt.Errorf("could not build entropy: %v", err)
		}
		entCol, err := G.Reshape(entVec, tensor.Shape{rows, 1})
		if err != nil {
			return nil, fmt.Errorf("could not reshape entropy: %v", err)
		}
		entHead, err := rowBlock(entCol, 0, b.headRows())
		if err != nil {
			return nil, fmt.Errorf("could not slice entropy: %v", err)
		}
		bonus, err := G.HadamardProd(entHead,
			G.NewConstant(b.config.ActorEntropy))
		if err != nil {
			return nil, fmt.Errorf("could not scale entropy bonus: %v", err)
		}
		if flat, err = G.Sub(flat, bonus); err != nil {
			return nil, fmt.Errorf("could not apply entropy bonus: %v", err)
		}
	}
	return G.Mean(flat)
}

// replayScore builds one step's unweighted actor score according to
// the configured loss mode.
func (b *Replay) replayScore(target, vmin, lpCol, v1Feats *G.Node,
	t, batch int) (*G.Node, error) {
	if b.config.ActorLossMode == DynamicsMode {
		return normedAdvantage(target, vmin, b.invScale)
	}

	lp, err := rowBlock(lpCol, t*batch, (t+1)*batch)
	if err != nil {
		return nil, err
	}
	baseline, err := rowBlock(v1Feats, t*batch, (t+1)*batch)
	if err != nil {
		return nil, err
	}
	rein, err := reinforceScore(target, baseline, lp, batch)
	if err != nil {
		return nil, err
	}
	if b.config.ActorLossMode == ReinforceMode {
		return rein, nil
	}

	mixed, err := G.HadamardProd(target, G.NewConstant(b.config.BehaviorMix))
	if err != nil {
		return nil, err
	}
	rest, err := G.HadamardProd(rein,
		G.NewConstant(1-b.config.BehaviorMix))
	if err != nil {
		return nil, err
	}
	return G.Add(mixed, rest)
}

// td3Loss maximizes the first critic's value of a second, unperturbed
// one-step look-ahead under the policy: a deterministic policy
// gradient through the dynamics clone.
func (b *Replay) td3Loss(dist policyDist,
	sgState *dynamics.State) (*G.Node, error) {
	pi, err := dist.Sample(b.td3Noise.node)
	if err != nil {
		return nil, fmt.Errorf("could not sample policy actions: %v", err)
	}
	succ, err := b.rolloutRSSM.ImgStep(sgState, pi, b.td3StepNoise)
	if err != nil {
		return nil, fmt.Errorf("could not advance policy step: %v", err)
	}
	succFeat, err := b.rolloutRSSM.Feat(succ)
	if err != nil {
		return nil, fmt.Errorf("could not build policy step features: %v",
			err)
	}
	q, err := b.rolloutC1.Fwd(succFeat)
	if err != nil {
		return nil, fmt.Errorf("could not predict policy values: %v", err)
	}
	qHead, err := rowBlock(q, 0, b.headRows())
	if err != nil {
		return nil, fmt.Errorf("could not slice policy values: %v", err)
	}
	mean, err := G.Mean(qHead)
	if err != nil {
		return nil, fmt.Errorf("could not reduce policy values: %v", err)
	}
	return G.Neg(mean)
}

// readRolloutStats registers the rollout readouts: targets, weights,
// and features for the critics, plus scalar metrics.
func (b *Replay) readRolloutStats(dist policyDist, targets,
	weights []*G.Node, sgFeats *G.Node) error {
	steps := b.wm.Config().TrajLen

	targetsFlat, err := concatRows(targets)
	if err != nil {
		return fmt.Errorf("could not stack targets: %v", err)
	}
	G.Read(targetsFlat, &b.targetsVal)

	weightsFlat, err := concatRows(weights[:steps-1])
	if err != nil {
		return fmt.Errorf("could not stack weights: %v", err)
	}
	G.Read(weightsFlat, &b.weightsVal)

	featsHead, err := rowBlock(sgFeats, 0, b.headRows())
	if err != nil {
		return fmt.Errorf("could not slice features: %v", err)
	}
	G.Read(featsHead, &b.featsVal)

	targetMean, err := G.Mean(targetsFlat)
	if err != nil {
		return fmt.Errorf("could not reduce targets: %v", err)
	}
	readScalar(b.rolloutReads, "target_mean", targetMean)

	if b.config.ActorLossMode != TD3Mode {
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
		readScalar(b.rolloutReads, "normed_target_mean", normedMean)
	}

	entVec, err := dist.Entropy()
	if err != nil {
		return fmt.Errorf("could not build entropy: %v", err)
	}
	entMean, err := G.Mean(entVec)
	if err != nil {
		return fmt.Errorf("could not reduce entropy: %v", err)
	}
	readScalar(b.rolloutReads, "actor_entropy", entMean)
	return nil
}

// Train runs one replay update on a trajectory batch: latent
// inference, one gated actor step, one twin-critic step, and one
// slow-critic tick.
func (b *Replay) Train(data worldmodel.Batch) (map[string]float64, error) {
	wmConfig := b.wm.Config()
	if err := data.Validate(wmConfig.Modalities,
		wmConfig.ActionDim); err != nil {
		return nil, fmt.Errorf("train: %v", err)
	}
	batch, time, err := data.Dims()
	if err != nil {
		return nil, fmt.Errorf("train: %v", err)
	}
	if batch != wmConfig.BatchSize || time != wmConfig.TrajLen {
		return nil, fmt.Errorf("train: batch does not match the "+
			"configured dimensions \n\twant(%v x %v)\n\thave(%v x %v)",
			wmConfig.BatchSize, wmConfig.TrajLen, batch, time)
	}

	prep, err := b.wm.Preprocess(data)
	if err != nil {
		return nil, fmt.Errorf("train: %v", err)
	}
	if _, ok := prep[worldmodel.DiscountKey]; !ok {
		return nil, fmt.Errorf("train: missing key %v",
			worldmodel.DiscountKey)
	}

	if err := b.syncClones(); err != nil {
		return nil, fmt.Errorf("train: %v", err)
	}
	metrics := make(map[string]float64,
		len(b.rolloutReads)+len(b.criticReads)+5)
	if err := b.feed(prep, metrics); err != nil {
		return nil, fmt.Errorf("train: %v", err)
	}

	b.step++

	// For normalized modes the first run computes raw targets for the
	// normalizer and the gradient run uses the updated scale. The
	// noise is not redrawn, so both runs see the same look-ahead.
	if b.config.ActorLossMode != TD3Mode {
		if err := b.rolloutVM.RunAll(); err != nil {
			return nil, fmt.Errorf("train: could not run replay graph: %v",
				err)
		}
		raw := cloneValue(b.targetsVal)
		b.rolloutVM.Reset()

		offset, invScale, err := b.ema.Update(raw.Data().([]float64))
		if err != nil {
			return nil, fmt.Errorf("train: could not update return "+
				"normalizer: %v", err)
		}
		if err := G.Let(b.offset, offset); err != nil {
			return nil, fmt.Errorf("train: could not feed normalization: %v",
				err)
		}
		if err := G.Let(b.invScale, invScale); err != nil {
			return nil, fmt.Errorf("train: could not feed normalization: %v",
				err)
		}
	}

	if err := b.rolloutVM.RunAll(); err != nil {
		return nil, fmt.Errorf("train: could not run replay graph: %v", err)
	}
	for name, val := range b.rolloutReads {
		metrics[name] = (*val).Data().(float64)
	}
	targets := cloneValue(b.targetsVal)
	weights := cloneValue(b.weightsVal)
	feats := cloneValue(b.featsVal)

	if b.step%b.config.PolicyFreq == 0 && b.step%b.config.ActorDelay == 0 {
		gradNorm, err := b.actorOptim.Step()
		if err != nil {
			return nil, fmt.Errorf("train: could not step actor solver: %v",
				err)
		}
		metrics["actor_grad_norm"] = gradNorm
	}
	b.rolloutVM.Reset()

	if err := regressCritics(b.criticVM, b.criticOptim, b.criticFeat,
		b.criticTarget, b.criticWeights, feats, targets, weights,
		b.criticReads, metrics); err != nil {
		return nil, fmt.Errorf("train: %v", err)
	}

	if b.slowSched.tick() {
		if err := b.slow1.Polyak(b.critic1, b.slowSched.Mix); err != nil {
			return nil, fmt.Errorf("train: could not update first slow "+
				"critic: %v", err)
		}
		if err := b.slow2.Polyak(b.critic2, b.slowSched.Mix); err != nil {
			return nil, fmt.Errorf("train: could not update second slow "+
				"critic: %v", err)
		}
	}

	if b.config.ActorLossMode != TD3Mode {
		low, high := b.ema.Values()
		metrics["ema_low"] = low
		metrics["ema_high"] = high
	}
	return metrics, nil
}

// feed binds a preprocessed trajectory batch and fresh noise draws to
// the rollout graph's placeholders.
func (b *Replay) feed(prep worldmodel.Batch,
	metrics map[string]float64) error {
	for _, m := range b.wm.Config().Modalities {
		tm, err := worldmodel.TimeMajor(prep[m.Name])
		if err != nil {
			return fmt.Errorf("feed: could not repack %v: %v", m.Name, err)
		}
		if err := G.Let(b.obs[m.Name], tm); err != nil {
			return fmt.Errorf("feed: could not feed %v: %v", m.Name, err)
		}
	}
	action, err := worldmodel.TimeMajor(prep[worldmodel.ActionKey])
	if err != nil {
		return fmt.Errorf("feed: could not repack actions: %v", err)
	}
	if err := G.Let(b.action, action); err != nil {
		return fmt.Errorf("feed: could not feed actions: %v", err)
	}

	columns := []struct {
		key  string
		node *G.Node
	}{
		{worldmodel.IsFirstKey, b.isFirst},
		{worldmodel.RewardKey, b.reward},
		{worldmodel.DiscountKey, b.discount},
	}
	for _, c := range columns {
		col, err := worldmodel.TimeMajorColumn(prep[c.key])
		if err != nil {
			return fmt.Errorf("feed: could not repack %v: %v", c.key, err)
		}
		if err := G.Let(c.node, col); err != nil {
			return fmt.Errorf("feed: could not feed %v: %v", c.key, err)
		}
	}

	for _, n := range b.obsNoise {
		if err := n.Feed(b.rng); err != nil {
			return fmt.Errorf("feed: could not feed noise: %v", err)
		}
	}
	if err := b.stepNoise.Feed(b.rng); err != nil {
		return fmt.Errorf("feed: could not feed noise: %v", err)
	}
	if err := b.actNoise.feed(b.rng); err != nil {
		return fmt.Errorf("feed: could not feed noise: %v", err)
	}
	if b.td3Noise != nil {
		if err := b.td3Noise.feed(b.rng); err != nil {
			return fmt.Errorf("feed: could not feed noise: %v", err)
		}
		if err := b.td3StepNoise.Feed(b.rng); err != nil {
			return fmt.Errorf("feed: could not feed noise: %v", err)
		}
	}
	return b.feedExplNoise(metrics)
}

// feedExplNoise draws the look-ahead exploration noise.
func (b *Replay) feedExplNoise(metrics map[string]float64) error {
	rows := b.rows()
	dim := b.wm.Config().ActionDim
	backing := make([]float64, rows*dim)
	var sum float64
	for i := range backing {
		v := floatutils.Clip(b.rng.Float64()*b.config.NoiseScale,
			-b.config.NoiseClip, b.config.NoiseClip)
		backing[i] = v
		sum += v
	}

	noise := tensor.New(tensor.WithShape(rows, dim),
		tensor.WithBacking(backing))
	if err := G.Let(b.explNoise, noise); err != nil {
		return fmt.Errorf("feed: could not feed exploration noise: %v", err)
	}
	metrics["expl_noise_mean"] = sum / float64(len(backing))
	return nil
}

// syncClones pulls the current world model and critic weights into the
// rollout graph.
func (b *Replay) syncClones() error {
	if err := b.rolloutEnc.Set(b.wm.Encoder()); err != nil {
		return fmt.Errorf("could not sync encoder: %v", err)
	}
	if err := b.rolloutRSSM.Set(b.wm.RSSM()); err != nil {
		return fmt.Errorf("could not sync dynamics: %v", err)
	}
	if err := b.rolloutC1.Set(b.critic1); err != nil {
		return fmt.Errorf("could not sync first critic: %v", err)
	}
	if err := b.rolloutC2.Set(b.critic2); err != nil {
		return fmt.Errorf("could not sync second critic: %v", err)
	}
	return nil
}

// Actor returns the behavior's policy network. Collaborators clone it
// onto their own graphs.
func (b *Replay) Actor() *network.FeedForward {
	return b.actor.net
}

// GobEncode implements the gob.GobEncoder interface
func (b *Replay) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	for _, part := range []interface{}{b.actor.net, b.critic1, b.critic2,
		b.slow1, b.slow2, b.ema, b.slowSched, b.step} {
		if err := enc.Encode(part); err != nil {
			return nil, fmt.Errorf("gobencode: could not encode behavior: %v",
				err)
		}
	}
	return buf.Bytes(), nil
}

// GobDecode implements the gob.GobDecoder interface. Decoding fills
// the weights and counters of the already-constructed behavior.
func (b *Replay) GobDecode(in []byte) error {
	buf := bytes.NewReader(in)
	dec := gob.NewDecoder(buf)

	nets := []struct {
		dst  *network.FeedForward
		name string
	}{
		{b.actor.net, "actor"},
		{b.critic1, "first critic"},
		{b.critic2, "second critic"},
		{b.slow1, "first slow critic"},
		{b.slow2, "second slow critic"},
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
	if err := dec.Decode(&b.step); err != nil {
		return fmt.Errorf("gobdecode: could not decode step counter: %v", err)
	}
	return nil
}

// rowBlocks slices a time-major (steps*rows, cols) node into its
// per-step row blocks.
func rowBlocks(x *G.Node, steps, rows int) ([]*G.Node, error) {
	out := make([]*G.Node, steps)
	for t := range out {
		block, err := rowBlock(x, t*rows, (t+1)*rows)
		if err != nil {
			return nil, err
		}
		out[t] = block
	}
	return out, nil
}

// rowBlock slices rows [start, end) of a matrix node.
func rowBlock(x *G.Node, start, end int) (*G.Node, error) {
	return G.Slice(x, tensorutils.NewSlice(start, end, 1))
}
