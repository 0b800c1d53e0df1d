// Package worldmodel implements a learned model of environment
// dynamics trained on replayed trajectory batches. The model couples
// an observation encoder, a recurrent latent dynamics model, and
// decoder, reward, and continuation heads, all trained jointly by a
// single solver to maximize the likelihood of replayed observations,
// rewards, and episode continuations under the inferred latent states,
// regularized by the balanced KL between the posterior and the prior.
//
// A WorldModel owns one computational graph, constructed once up
// front. Each Train call feeds the graph's placeholders with a
// trajectory batch and fresh stochastic draws, runs the tape machine,
// and steps the solver, returning the inferred latent trajectory as
// detached CPU tensors for the behaviors to learn from.
package worldmodel

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/samuelfneumann/godreamer/distribution"
	"github.com/samuelfneumann/godreamer/dynamics"
	"github.com/samuelfneumann/godreamer/initwfn"
	"github.com/samuelfneumann/godreamer/network"
	"github.com/samuelfneumann/godreamer/solver"
	"github.com/samuelfneumann/godreamer/spec"
	"github.com/samuelfneumann/godreamer/utils/op"
	"github.com/samuelfneumann/godreamer/utils/tensorutils"
	"golang.org/x/exp/rand"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Head names recognized by HeadScales and GradHeads. Decoder losses
// are additionally keyed per modality name in HeadScales and metrics.
const (
	HeadDecoder = "decoder"
	HeadReward  = "reward"
	HeadCont    = "cont"
)

// Config describes a world model.
type Config struct {
	// Modalities names the observation keys of incoming batches and
	// their widths.
	Modalities []spec.Modality
	ActionDim  int

	// BatchSize and TrajLen fix the trajectory batches the model
	// trains on: BatchSize trajectories of TrajLen steps each. Both
	// must be at least 2.
	BatchSize int
	TrajLen   int

	// Gamma scales stored discounts during preprocessing.
	Gamma float64

	// KLFree, DynScale, and RepScale parameterize the balanced KL
	// loss. See dynamics.RSSM.KLLoss.
	KLFree   float64
	DynScale float64
	RepScale float64

	// HeadScales weights each head's loss in the total, keyed by
	// modality name, "reward", or "cont". Missing keys weigh 1.
	HeadScales map[string]float64

	// GradHeads lists the heads ("decoder", "reward", "cont") whose
	// loss gradients reach the latent features. Other heads train on
	// detached features.
	GradHeads []string

	// Encoder embeds concatenated observations; its Outputs field
	// sets the embedding width. The head networks' Outputs fields are
	// ignored: the constructor derives them from the data widths.
	Encoder network.FeedForwardConfig
	Decoder network.FeedForwardConfig
	Reward  network.FeedForwardConfig
	Cont    network.FeedForwardConfig

	RSSM dynamics.Config

	// RewardDist selects the reward head's loss: "normal" (unit
	// Gaussian negative log likelihood, the default) or "mse".
	RewardDist string

	Solver *solver.Solver
	Init   *initwfn.InitWFn
	Seed   uint64
}

// reserved are batch keys that cannot name observation modalities.
var reserved = map[string]bool{
	ActionKey:     true,
	RewardKey:     true,
	DiscountKey:   true,
	IsFirstKey:    true,
	IsTerminalKey: true,
	ContKey:       true,
}

// Validate returns an error if the configuration cannot construct a
// world model.
func (c Config) Validate() error {
	if len(c.Modalities) == 0 {
		return fmt.Errorf("validate: no observation modalities")
	}
	seen := make(map[string]bool, len(c.Modalities))
	for _, m := range c.Modalities {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("validate: %v", err)
		}
		if reserved[m.Name] {
			return fmt.Errorf("validate: modality name %v is a reserved "+
				"batch key", m.Name)
		}
		if seen[m.Name] {
			return fmt.Errorf("validate: duplicate modality name %v", m.Name)
		}
		seen[m.Name] = true
	}

	if c.ActionDim <= 0 {
		return fmt.Errorf("validate: action dimension must be positive"+
			" \n\thave(%v)", c.ActionDim)
	}
	if c.BatchSize < 2 {
		return fmt.Errorf("validate: batch size must be at least 2"+
			" \n\thave(%v)", c.BatchSize)
	}
	if c.TrajLen < 2 {
		return fmt.Errorf("validate: trajectory length must be at least 2"+
			" \n\thave(%v)", c.TrajLen)
	}
	if c.Gamma <= 0 || c.Gamma > 1 {
		return fmt.Errorf("validate: gamma must be in (0, 1] \n\thave(%v)",
			c.Gamma)
	}
	if c.KLFree < 0 || c.DynScale < 0 || c.RepScale < 0 {
		return fmt.Errorf("validate: KL free bits and scales cannot be "+
			"negative \n\thave(%v, %v, %v)", c.KLFree, c.DynScale, c.RepScale)
	}

	for _, head := range c.GradHeads {
		switch head {
		case HeadDecoder, HeadReward, HeadCont:
		default:
			return fmt.Errorf("validate: no such head: %v", head)
		}
	}

	if err := c.Encoder.Validate(); err != nil {
		return fmt.Errorf("validate: invalid encoder: %v", err)
	}
	heads := []struct {
		name   string
		config network.FeedForwardConfig
	}{
		{HeadDecoder, c.Decoder},
		{HeadReward, c.Reward},
		{HeadCont, c.Cont},
	}
	for _, h := range heads {
		h.config.Outputs = 1 // derived by the constructor
		if err := h.config.Validate(); err != nil {
			return fmt.Errorf("validate: invalid %v head: %v", h.name, err)
		}
	}
	if err := c.RSSM.Validate(); err != nil {
		return fmt.Errorf("validate: invalid dynamics: %v", err)
	}

	switch c.RewardDist {
	case "", "normal", "mse":
	default:
		return fmt.Errorf("validate: no such reward distribution: %v",
			c.RewardDist)
	}

	if c.Solver == nil {
		return fmt.Errorf("validate: no solver")
	}
	if c.Init == nil {
		return fmt.Errorf("validate: no weight initializer")
	}
	return nil
}

// rewardDist returns the reward loss name with the default applied.
func (c Config) rewardDist() string {
	if c.RewardDist == "" {
		return "normal"
	}
	return c.RewardDist
}

// gradHead returns whether the named head's gradient reaches the
// latent features.
func (c Config) gradHead(name string) bool {
	for _, head := range c.GradHeads {
		if head == name {
			return true
		}
	}
	return false
}

// WorldModel learns environment dynamics from replayed trajectories.
type WorldModel struct {
	config Config
	g      *G.ExprGraph
	rng    *rand.Rand

	encoder *network.FeedForward
	rssm    *dynamics.RSSM
	decoder *network.FeedForward
	reward  *network.FeedForward
	cont    *network.FeedForward

	// Placeholders, all time-major: row block [t*B, (t+1)*B) of each
	// node holds timestep t.
	obs          map[string]*G.Node
	action       *G.Node
	rewardTarget *G.Node
	contTarget   *G.Node
	isFirst      *G.Node
	noise        []*dynamics.Noise

	vm    G.VM
	optim *solver.Optimizer

	// Values read out of the graph on each run
	metrics   map[string]*G.Value
	postStoch G.Value
	postDeter G.Value
	postLogit G.Value
	postMean  G.Value
	postStd   G.Value
	featVal   G.Value
	embedVal  G.Value

	// Lazily constructed open-loop diagnostic graphs, keyed by the
	// number of context steps
	openLoops map[int]*openLoop
}

// New returns a new WorldModel with freshly initialized weights.
func New(config Config) (*WorldModel, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("newworldmodel: %v", err)
	}

	g := G.NewGraph()
	init := config.Init.InitWFn()
	rows := config.BatchSize * config.TrajLen
	obsDim := spec.TotalSize(config.Modalities)

	w := &WorldModel{
		config:    config,
		g:         g,
		rng:       rand.New(rand.NewSource(config.Seed)),
		obs:       make(map[string]*G.Node, len(config.Modalities)),
		metrics:   make(map[string]*G.Value),
		openLoops: make(map[int]*openLoop),
	}

	for _, m := range config.Modalities {
		w.obs[m.Name] = placeholder(g, "WorldModelObs"+m.Name, rows, m.Size)
	}
	w.action = placeholder(g, "WorldModelAction", rows, config.ActionDim)
	w.rewardTarget = placeholder(g, "WorldModelRewardTarget", rows, 1)
	w.contTarget = placeholder(g, "WorldModelContTarget", rows, 1)
	w.isFirst = placeholder(g, "WorldModelIsFirst", rows, 1)

	truth, err := obsConcat(config.Modalities, w.obs)
	if err != nil {
		return nil, fmt.Errorf("newworldmodel: could not concat "+
			"observations: %v", err)
	}

	w.encoder, err = network.NewFeedForward(g, "WorldModelEncoder", obsDim,
		config.Encoder, init)
	if err != nil {
		return nil, fmt.Errorf("newworldmodel: could not create encoder: %v",
			err)
	}
	embed, err := w.encoder.Fwd(truth)
	if err != nil {
		return nil, fmt.Errorf("newworldmodel: could not embed "+
			"observations: %v", err)
	}

	w.rssm, err = dynamics.New(g, "WorldModel", config.Encoder.Outputs,
		config.ActionDim, config.BatchSize, config.RSSM, init)
	if err != nil {
		return nil, fmt.Errorf("newworldmodel: could not create dynamics: %v",
			err)
	}
	w.noise = w.rssm.NewNoiseSequence("WorldModelNoise", config.TrajLen)

	post, prior, err := w.rssm.Observe(embed, w.action, w.isFirst, nil,
		w.noise)
	if err != nil {
		return nil, fmt.Errorf("newworldmodel: could not build posterior "+
			"scan: %v", err)
	}

	klLoss, dynValue, repValue, err := w.rssm.KLLoss(post, prior,
		config.KLFree, config.DynScale, config.RepScale)
	if err != nil {
		return nil, fmt.Errorf("newworldmodel: could not build KL loss: %v",
			err)
	}

	feat := post.Feat
	sgFeat, err := op.StopGradient(feat)
	if err != nil {
		return nil, fmt.Errorf("newworldmodel: could not detach features: %v",
			err)
	}
	headIn := func(head string) *G.Node {
		if config.gradHead(head) {
			return feat
		}
		return sgFeat
	}

	lossNames, losses, err := w.buildHeads(headIn, init)
	if err != nil {
		return nil, fmt.Errorf("newworldmodel: %v", err)
	}

	// Any reduction over rows inside a head loss would silently skew
	// the balance between heads, so the shape is load bearing.
	var total *G.Node
	for i, loss := range losses {
		assertLossShape(lossNames[i], loss, rows)

		mean, err := G.Mean(loss)
		if err != nil {
			return nil, fmt.Errorf("newworldmodel: could not build %v loss "+
				"metric: %v", lossNames[i], err)
		}
		w.readScalar(lossNames[i]+"_loss", mean)

		scaled := loss
		if scale, ok := config.HeadScales[lossNames[i]]; ok && scale != 1 {
			if scaled, err = G.HadamardProd(loss,
				G.NewConstant(scale)); err != nil {
				return nil, fmt.Errorf("newworldmodel: could not scale %v "+
					"loss: %v", lossNames[i], err)
			}
		}
		if total == nil {
			total = scaled
			continue
		}
		if total, err = G.Add(total, scaled); err != nil {
			return nil, fmt.Errorf("newworldmodel: could not sum %v loss: %v",
				lossNames[i], err)
		}
	}

	headLoss, err := G.Mean(total)
	if err != nil {
		return nil, fmt.Errorf("newworldmodel: could not reduce head "+
			"losses: %v", err)
	}
	modelLoss, err := G.Add(headLoss, klLoss)
	if err != nil {
		return nil, fmt.Errorf("newworldmodel: could not build model "+
			"loss: %v", err)
	}

	w.readScalar("model_loss", modelLoss)
	w.readScalar("kl", repValue)
	w.readScalar("dyn_loss", dynValue)

	if err := w.readEntropy("post_entropy", post); err != nil {
		return nil, fmt.Errorf("newworldmodel: %v", err)
	}
	if err := w.readEntropy("prior_entropy", prior); err != nil {
		return nil, fmt.Errorf("newworldmodel: %v", err)
	}

	// Latent trajectory values handed to the behaviors
	postState := post.State()
	G.Read(postState.Stoch, &w.postStoch)
	G.Read(postState.Deter, &w.postDeter)
	switch config.RSSM.Variant() {
	case dynamics.Categorical:
		G.Read(postState.Logit, &w.postLogit)
	case dynamics.Gaussian:
		G.Read(postState.Mean, &w.postMean)
		G.Read(postState.Std, &w.postStd)
	}
	G.Read(feat, &w.featVal)
	G.Read(embed, &w.embedVal)

	learnables := w.Learnables()
	if _, err := G.Grad(modelLoss, learnables...); err != nil {
		return nil, fmt.Errorf("newworldmodel: could not build gradient: %v",
			err)
	}
	w.vm = G.NewTapeMachine(g, G.BindDualValues(learnables...))

	w.optim, err = solver.NewOptimizer("world model", config.Solver,
		learnables)
	if err != nil {
		return nil, fmt.Errorf("newworldmodel: could not create optimizer: "+
			"%v", err)
	}
	return w, nil
}

// buildHeads constructs the decoder, reward, and continuation heads
// and their per-row losses, in deterministic order: one loss per
// modality, then reward, then cont.
func (w *WorldModel) buildHeads(headIn func(string) *G.Node,
	init G.InitWFn) ([]string, []*G.Node, error) {
	config := w.config
	featDim := config.RSSM.FeatDim()
	obsDim := spec.TotalSize(config.Modalities)
	rows := config.BatchSize * config.TrajLen

	var names []string
	var losses []*G.Node

	decConfig := config.Decoder
	decConfig.Outputs = obsDim
	decoder, err := network.NewFeedForward(w.g, "WorldModelDecoder", featDim,
		decConfig, init)
	if err != nil {
		return nil, nil, fmt.Errorf("could not create decoder: %v", err)
	}
	w.decoder = decoder

	decOut, err := decoder.Fwd(headIn(HeadDecoder))
	if err != nil {
		return nil, nil, fmt.Errorf("could not decode features: %v", err)
	}

	offset := 0
	for _, m := range config.Modalities {
		pred, err := sliceCols(decOut, offset, offset+m.Size, rows)
		if err != nil {
			return nil, nil, fmt.Errorf("could not slice %v prediction: %v",
				m.Name, err)
		}
		offset += m.Size

		dist, err := distribution.NewUnitNormal(pred,
			"WorldModelDecoderStd"+m.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("could not build %v distribution: %v",
				m.Name, err)
		}
		loss, err := nll(dist.LogProb(w.obs[m.Name]))
		if err != nil {
			return nil, nil, fmt.Errorf("could not build %v loss: %v", m.Name,
				err)
		}
		names = append(names, m.Name)
		losses = append(losses, loss)
	}

	rewConfig := config.Reward
	rewConfig.Outputs = 1
	reward, err := network.NewFeedForward(w.g, "WorldModelReward", featDim,
		rewConfig, init)
	if err != nil {
		return nil, nil, fmt.Errorf("could not create reward head: %v", err)
	}
	w.reward = reward

	rewardOut, err := reward.Fwd(headIn(HeadReward))
	if err != nil {
		return nil, nil, fmt.Errorf("could not predict rewards: %v", err)
	}

	var rewardLoss *G.Node
	switch config.rewardDist() {
	case "normal":
		dist, err := distribution.NewUnitNormal(rewardOut,
			"WorldModelRewardStd")
		if err != nil {
			return nil, nil, fmt.Errorf("could not build reward "+
				"distribution: %v", err)
		}
		rewardLoss, err = nll(dist.LogProb(w.rewardTarget))
		if err != nil {
			return nil, nil, fmt.Errorf("could not build reward loss: %v", err)
		}

	case "mse":
		diff, err := G.Sub(rewardOut, w.rewardTarget)
		if err != nil {
			return nil, nil, fmt.Errorf("could not build reward error: %v",
				err)
		}
		sq, err := G.Square(diff)
		if err != nil {
			return nil, nil, fmt.Errorf("could not square reward error: %v",
				err)
		}
		rewardLoss, err = G.Sum(sq, 1)
		if err != nil {
			return nil, nil, fmt.Errorf("could not build reward loss: %v", err)
		}
	}
	names = append(names, HeadReward)
	losses = append(losses, rewardLoss)

	contConfig := config.Cont
	contConfig.Outputs = 1
	cont, err := network.NewFeedForward(w.g, "WorldModelCont", featDim,
		contConfig, init)
	if err != nil {
		return nil, nil, fmt.Errorf("could not create cont head: %v", err)
	}
	w.cont = cont

	contOut, err := cont.Fwd(headIn(HeadCont))
	if err != nil {
		return nil, nil, fmt.Errorf("could not predict continuations: %v",
			err)
	}
	bern, err := distribution.NewBernoulli(contOut)
	if err != nil {
		return nil, nil, fmt.Errorf("could not build cont distribution: %v",
			err)
	}
	contLoss, err := nll(bern.LogProb(w.contTarget))
	if err != nil {
		return nil, nil, fmt.Errorf("could not build cont loss: %v", err)
	}
	names = append(names, HeadCont)
	losses = append(losses, contLoss)

	return names, losses, nil
}

// assertLossShape panics unless a head loss kept one value per
// flattened timestep.
func assertLossShape(name string, loss *G.Node, rows int) {
	if !loss.Shape().Eq(tensor.Shape{rows}) {
		panic(fmt.Sprintf("worldmodel: invalid %v loss shape"+
			" \n\twant(%v)\n\thave(%v)", name, tensor.Shape{rows},
			loss.Shape()))
	}
}

// nll negates a log probability, propagating an error from building it.
func nll(logProb *G.Node, err error) (*G.Node, error) {
	if err != nil {
		return nil, err
	}
	return G.Neg(logProb)
}

// readScalar registers a scalar node to be read on every run and
// reported as a metric.
func (w *WorldModel) readScalar(name string, node *G.Node) {
	val := new(G.Value)
	G.Read(node, val)
	w.metrics[name] = val
}

// readEntropy registers the mean entropy of a latent sequence's
// distribution as a metric.
func (w *WorldModel) readEntropy(name string, seq *dynamics.Sequence) error {
	dist, err := w.rssm.Dist(seq.State())
	if err != nil {
		return fmt.Errorf("could not build %v distribution: %v", name, err)
	}
	ent, err := dist.Entropy()
	if err != nil {
		return fmt.Errorf("could not build %v: %v", name, err)
	}
	mean, err := G.Mean(ent)
	if err != nil {
		return fmt.Errorf("could not reduce %v: %v", name, err)
	}
	w.readScalar(name, mean)
	return nil
}

// Preprocess returns a copy of the batch rescaled for training: any
// modality named "image" is scaled from [0, 255] to [0, 1], the stored
// discount is scaled by gamma, and the continuation target
// "cont" = 1 - is_terminal is added. The input batch is not mutated.
func (w *WorldModel) Preprocess(data Batch) (Batch, error) {
	if _, ok := data[IsFirstKey]; !ok {
		return nil, fmt.Errorf("preprocess: missing key %v", IsFirstKey)
	}
	isTerminal, ok := data[IsTerminalKey]
	if !ok {
		return nil, fmt.Errorf("preprocess: missing key %v", IsTerminalKey)
	}

	out := data.clone()

	if image, ok := out["image"]; ok {
		scaled, err := image.DivScalar(255.0, true)
		if err != nil {
			return nil, fmt.Errorf("preprocess: could not scale image: %v",
				err)
		}
		out["image"] = scaled
	}

	if discount, ok := out[DiscountKey]; ok {
		scaled, err := discount.MulScalar(w.config.Gamma, true)
		if err != nil {
			return nil, fmt.Errorf("preprocess: could not scale discount: %v",
				err)
		}
		out[DiscountKey] = scaled
	}

	cont, err := isTerminal.SubScalar(1.0, false)
	if err != nil {
		return nil, fmt.Errorf("preprocess: could not compute continuation "+
			"flags: %v", err)
	}
	out[ContKey] = cont

	return out, nil
}

// Train runs one optimizer step on a trajectory batch and returns the
// inferred latent trajectory along with training metrics.
func (w *WorldModel) Train(data Batch) (*Context, map[string]float64, error) {
	if err := data.Validate(w.config.Modalities,
		w.config.ActionDim); err != nil {
		return nil, nil, fmt.Errorf("train: %v", err)
	}
	batch, time, err := data.Dims()
	if err != nil {
		return nil, nil, fmt.Errorf("train: %v", err)
	}
	if batch != w.config.BatchSize || time != w.config.TrajLen {
		return nil, nil, fmt.Errorf("train: batch does not match the "+
			"configured dimensions \n\twant(%v x %v)\n\thave(%v x %v)",
			w.config.BatchSize, w.config.TrajLen, batch, time)
	}

	prep, err := w.Preprocess(data)
	if err != nil {
		return nil, nil, fmt.Errorf("train: %v", err)
	}
	if err := w.feed(prep); err != nil {
		return nil, nil, fmt.Errorf("train: %v", err)
	}
	for _, n := range w.noise {
		if err := n.Feed(w.rng); err != nil {
			return nil, nil, fmt.Errorf("train: could not feed noise: %v", err)
		}
	}

	if err := w.vm.RunAll(); err != nil {
		return nil, nil, fmt.Errorf("train: could not run graph: %v", err)
	}

	metrics := make(map[string]float64, len(w.metrics)+1)
	for name, val := range w.metrics {
		metrics[name] = (*val).Data().(float64)
	}
	ctx := w.context()

	gradNorm, err := w.optim.Step()
	if err != nil {
		return nil, nil, fmt.Errorf("train: could not step solver: %v", err)
	}
	metrics["model_grad_norm"] = gradNorm
	w.vm.Reset()

	return ctx, metrics, nil
}

// feed sets the graph's placeholders from a preprocessed batch.
func (w *WorldModel) feed(prep Batch) error {
	for _, m := range w.config.Modalities {
		value, err := TimeMajor(prep[m.Name])
		if err != nil {
			return fmt.Errorf("feed: could not repack %v: %v", m.Name, err)
		}
		if err := G.Let(w.obs[m.Name], value); err != nil {
			return fmt.Errorf("feed: could not feed %v: %v", m.Name, err)
		}
	}

	action, err := TimeMajor(prep[ActionKey])
	if err != nil {
		return fmt.Errorf("feed: could not repack actions: %v", err)
	}
	if err := G.Let(w.action, action); err != nil {
		return fmt.Errorf("feed: could not feed actions: %v", err)
	}

	columns := []struct {
		key  string
		node *G.Node
	}{
		{RewardKey, w.rewardTarget},
		{ContKey, w.contTarget},
		{IsFirstKey, w.isFirst},
	}
	for _, c := range columns {
		value, err := TimeMajorColumn(prep[c.key])
		if err != nil {
			return fmt.Errorf("feed: could not repack %v: %v", c.key, err)
		}
		if err := G.Let(c.node, value); err != nil {
			return fmt.Errorf("feed: could not feed %v: %v", c.key, err)
		}
	}
	return nil
}

// context clones the latent trajectory values read from the last run.
func (w *WorldModel) context() *Context {
	return &Context{
		Batch: w.config.BatchSize,
		Time:  w.config.TrajLen,
		Posterior: StateValue{
			Variant: w.config.RSSM.Variant(),
			Stoch:   cloneValue(w.postStoch),
			Deter:   cloneValue(w.postDeter),
			Logit:   cloneValue(w.postLogit),
			Mean:    cloneValue(w.postMean),
			Std:     cloneValue(w.postStd),
		},
		Feat:  cloneValue(w.featVal),
		Embed: cloneValue(w.embedVal),
	}
}

// Config returns the model's configuration.
func (w *WorldModel) Config() Config {
	return w.config
}

// RSSM returns the latent dynamics model.
func (w *WorldModel) RSSM() *dynamics.RSSM {
	return w.rssm
}

// Encoder returns the observation encoder.
func (w *WorldModel) Encoder() *network.FeedForward {
	return w.encoder
}

// RewardHead returns the reward prediction head.
func (w *WorldModel) RewardHead() *network.FeedForward {
	return w.reward
}

// ContHead returns the episode continuation prediction head.
func (w *WorldModel) ContHead() *network.FeedForward {
	return w.cont
}

// Learnables returns the learnable nodes of the model.
func (w *WorldModel) Learnables() G.Nodes {
	learnables := make(G.Nodes, 0, 32)
	learnables = append(learnables, w.encoder.Learnables()...)
	learnables = append(learnables, w.rssm.Learnables()...)
	learnables = append(learnables, w.decoder.Learnables()...)
	learnables = append(learnables, w.reward.Learnables()...)
	learnables = append(learnables, w.cont.Learnables()...)
	return learnables
}

// GobEncode implements the gob.GobEncoder interface
func (w *WorldModel) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	for _, net := range []interface{}{w.encoder, w.rssm, w.decoder,
		w.reward, w.cont} {
		if err := enc.Encode(net); err != nil {
			return nil, fmt.Errorf("gobencode: could not encode network: %v",
				err)
		}
	}
	return buf.Bytes(), nil
}

// GobDecode implements the gob.GobDecoder interface. Decoding fills
// the weights of the already-constructed model in place.
func (w *WorldModel) GobDecode(in []byte) error {
	buf := bytes.NewReader(in)
	dec := gob.NewDecoder(buf)

	decodeInto := func(dst *network.FeedForward, name string) error {
		src := new(network.FeedForward)
		if err := dec.Decode(src); err != nil {
			return fmt.Errorf("gobdecode: could not decode %v: %v", name, err)
		}
		if err := dst.Set(src); err != nil {
			return fmt.Errorf("gobdecode: could not set %v: %v", name, err)
		}
		return nil
	}

	if err := decodeInto(w.encoder, "encoder"); err != nil {
		return err
	}
	if err := dec.Decode(w.rssm); err != nil {
		return fmt.Errorf("gobdecode: could not decode dynamics: %v", err)
	}
	if err := decodeInto(w.decoder, "decoder"); err != nil {
		return err
	}
	if err := decodeInto(w.reward, "reward head"); err != nil {
		return err
	}
	return decodeInto(w.cont, "cont head")
}

// placeholder allocates a zeroed input node fed before each run.
func placeholder(g *G.ExprGraph, name string, rows, cols int) *G.Node {
	return G.NewMatrix(g, tensor.Float64, G.WithShape(rows, cols),
		G.WithName(name), G.WithInit(G.Zeroes()))
}

// obsConcat concatenates modality placeholders in modality order.
func obsConcat(modalities []spec.Modality,
	obs map[string]*G.Node) (*G.Node, error) {
	nodes := make([]*G.Node, len(modalities))
	for i, m := range modalities {
		nodes[i] = obs[m.Name]
	}
	if len(nodes) == 1 {
		return nodes[0], nil
	}
	return G.Concat(1, nodes...)
}

// sliceCols slices columns [start, end) of a matrix node, restoring
// the (rows, 1) shape that width-1 slices lose.
func sliceCols(x *G.Node, start, end, rows int) (*G.Node, error) {
	out, err := G.Slice(x, nil, tensorutils.NewSlice(start, end, 1))
	if err != nil {
		return nil, err
	}
	if end-start == 1 {
		return G.Reshape(out, tensor.Shape{rows, 1})
	}
	return out, nil
}

// cloneValue copies a value read from the graph into a fresh CPU
// tensor that outlives the next run.
func cloneValue(v G.Value) *tensor.Dense {
	if v == nil {
		return nil
	}
	return v.(*tensor.Dense).Clone().(*tensor.Dense)
}
