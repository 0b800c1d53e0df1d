package dynamics

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/samuelfneumann/godreamer/distribution"
	"github.com/samuelfneumann/godreamer/network"
	"github.com/samuelfneumann/godreamer/utils/op"
	"github.com/samuelfneumann/godreamer/utils/tensorutils"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Config describes the architecture of a recurrent latent dynamics
// model.
type Config struct {
	// Stoch is the number of stochastic latent variables: the number
	// of categorical groups when Classes > 0, otherwise the dimension
	// of the Gaussian latent.
	Stoch int

	// Classes is the number of classes per categorical group. Zero
	// selects Gaussian latents.
	Classes int

	// Deter is the size of the deterministic recurrent state.
	Deter int

	// Hidden is the width of the hidden layers computing latent
	// statistics and recurrent inputs.
	Hidden int

	// RecDepth is the number of applications of the recurrent cell per
	// timestep. Must be at least 1.
	RecDepth int

	// UnimixRatio mixes a uniform distribution into categorical class
	// probabilities, bounding them away from zero.
	UnimixRatio float64

	// MinStd is added to Gaussian standard deviations after StdAct.
	MinStd float64

	// StdAct names the activation producing Gaussian standard
	// deviations from raw network outputs: "softplus", "sigmoid", or
	// "sigmoid2". The default is "softplus".
	StdAct string

	// Activation names the hidden layers' activation. The default is
	// "silu".
	Activation string
}

// Validate returns an error if the configuration cannot construct a
// dynamics model.
func (c Config) Validate() error {
	if c.Stoch <= 0 {
		return fmt.Errorf("validate: stoch must be positive \n\thave(%v)",
			c.Stoch)
	}
	if c.Classes < 0 || c.Classes == 1 {
		return fmt.Errorf("validate: classes must be 0 (Gaussian) or at "+
			"least 2 \n\thave(%v)", c.Classes)
	}
	if c.Deter <= 0 {
		return fmt.Errorf("validate: deter must be positive \n\thave(%v)",
			c.Deter)
	}
	if c.Hidden <= 0 {
		return fmt.Errorf("validate: hidden must be positive \n\thave(%v)",
			c.Hidden)
	}
	if c.RecDepth < 1 {
		return fmt.Errorf("validate: recurrence depth must be at least 1"+
			" \n\thave(%v)", c.RecDepth)
	}
	if c.UnimixRatio < 0 || c.UnimixRatio >= 1 {
		return fmt.Errorf("validate: unimix ratio must be in [0, 1)"+
			" \n\thave(%v)", c.UnimixRatio)
	}
	if c.MinStd < 0 {
		return fmt.Errorf("validate: min std cannot be negative"+
			" \n\thave(%v)", c.MinStd)
	}
	switch c.StdAct {
	case "", "softplus", "sigmoid", "sigmoid2":
	default:
		return fmt.Errorf("validate: no such std activation: %v", c.StdAct)
	}
	if c.Activation != "" {
		if _, err := network.ActivationFromString(c.Activation); err != nil {
			return fmt.Errorf("validate: %v", err)
		}
	}
	return nil
}

// Variant returns the latent distribution family the configuration
// selects.
func (c Config) Variant() Variant {
	if c.Classes > 0 {
		return Categorical
	}
	return Gaussian
}

// StochDim returns the width of the sampled stochastic component.
func (c Config) StochDim() int {
	if c.Variant() == Categorical {
		return c.Stoch * c.Classes
	}
	return c.Stoch
}

// statDim returns the width of the statistic layer's output.
func (c Config) statDim() int {
	if c.Variant() == Categorical {
		return c.Stoch * c.Classes
	}
	return 2 * c.Stoch
}

// FeatDim returns the width of the feature vector get_feat produces.
func (c Config) FeatDim() int {
	return c.StochDim() + c.Deter
}

// hiddenActivation returns the hidden activation name with defaults
// applied.
func (c Config) hiddenActivation() string {
	if c.Activation == "" {
		return "silu"
	}
	return c.Activation
}

// RSSM is a recurrent latent dynamics model bound to one computational
// graph. The latent state pairs a deterministic recurrent component
// with a stochastic component; the prior predicts the next state from
// the previous state and action alone, while the posterior additionally
// conditions on the embedded observation.
type RSSM struct {
	g      *G.ExprGraph
	config Config
	batch  int

	embedDim  int
	actionDim int

	inNet   *network.FeedForward // (stoch ++ action) -> hidden
	cell    *network.GRU         // hidden x deter -> deter
	imgStat *network.FeedForward // deter -> prior statistics
	obsStat *network.FeedForward // (deter ++ embed) -> posterior statistics

	initial *State
	noises  int // placeholder name counter
}

// New returns a new RSSM on graph g for batches of batch states, with
// embedded observations of width embedDim and actions of width
// actionDim. Weight nodes are initialized by init; all nodes are named
// with the prefix scope, which must be unique within g.
func New(g *G.ExprGraph, scope string, embedDim, actionDim, batch int,
	config Config, init G.InitWFn) (*RSSM, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("newrssm: invalid config: %v", err)
	}
	if embedDim <= 0 || actionDim <= 0 {
		return nil, fmt.Errorf("newrssm: embedDim and actionDim must be "+
			"positive \n\thave(%v, %v)", embedDim, actionDim)
	}

	// Row blocks of width 1 lose their leading axis when sliced
	if batch < 2 {
		return nil, fmt.Errorf("newrssm: batch must be at least 2"+
			" \n\thave(%v)", batch)
	}

	act := config.hiddenActivation()

	inNet, err := network.NewFeedForward(g, scope+"ImgIn",
		config.StochDim()+actionDim,
		network.FeedForwardConfig{
			Outputs:          config.Hidden,
			OutputBias:       true,
			OutputActivation: act,
		}, init)
	if err != nil {
		return nil, fmt.Errorf("newrssm: could not create input network: %v",
			err)
	}

	cell, err := network.NewGRU(g, scope+"Cell", config.Hidden,
		config.Deter, init)
	if err != nil {
		return nil, fmt.Errorf("newrssm: could not create recurrent cell: "+
			"%v", err)
	}

	imgStat, err := network.NewFeedForward(g, scope+"ImgStat", config.Deter,
		network.FeedForwardConfig{
			Hidden:      []int{config.Hidden},
			Activations: []string{act},
			Outputs:     config.statDim(),
			OutputBias:  true,
		}, init)
	if err != nil {
		return nil, fmt.Errorf("newrssm: could not create prior statistic "+
			"network: %v", err)
	}

	obsStat, err := network.NewFeedForward(g, scope+"ObsStat",
		config.Deter+embedDim,
		network.FeedForwardConfig{
			Hidden:      []int{config.Hidden},
			Activations: []string{act},
			Outputs:     config.statDim(),
			OutputBias:  true,
		}, init)
	if err != nil {
		return nil, fmt.Errorf("newrssm: could not create posterior "+
			"statistic network: %v", err)
	}

	r := &RSSM{
		g:         g,
		config:    config,
		batch:     batch,
		embedDim:  embedDim,
		actionDim: actionDim,
		inNet:     inNet,
		cell:      cell,
		imgStat:   imgStat,
		obsStat:   obsStat,
	}
	r.initial = r.newInitialState(scope)

	return r, nil
}

// newInitialState creates the zeroed initial latent state.
func (r *RSSM) newInitialState(scope string) *State {
	zeros := func(name string, cols int) *G.Node {
		return G.NewMatrix(r.g, tensor.Float64,
			G.WithShape(r.batch, cols),
			G.WithName(scope+name),
			G.WithInit(G.Zeroes()))
	}

	s := &State{
		variant: r.config.Variant(),
		Stoch:   zeros("InitStoch", r.config.StochDim()),
		Deter:   zeros("InitDeter", r.config.Deter),
	}
	switch s.variant {
	case Categorical:
		s.Logit = zeros("InitLogit", r.config.StochDim())
	case Gaussian:
		s.Mean = zeros("InitMean", r.config.Stoch)

		// Unit initial std keeps the state's distribution well defined
		s.Std = G.NewMatrix(r.g, tensor.Float64,
			G.WithShape(r.batch, r.config.Stoch),
			G.WithName(scope+"InitStd"),
			G.WithInit(G.Ones()))
	}
	return s
}

// InitialState returns the zeroed initial latent state. Every call
// returns the same nodes.
func (r *RSSM) InitialState() *State {
	return r.initial
}

// Graph returns the computational graph the model's weights live on.
func (r *RSSM) Graph() *G.ExprGraph {
	return r.g
}

// Batch returns the batch size the model was built for.
func (r *RSSM) Batch() int {
	return r.batch
}

// Config returns the model's configuration.
func (r *RSSM) Config() Config {
	return r.config
}

// NewNoise allocates a placeholder for one step's stochastic draws:
// shape (batch, Stoch), standard Gaussian for Gaussian latents and
// uniform in [0, 1) (one draw per categorical group) otherwise. The
// batch may differ from the model's, for steps over wider row blocks.
func (r *RSSM) NewNoise(name string, batch int) *Noise {
	node := G.NewMatrix(r.g, tensor.Float64,
		G.WithShape(batch, r.config.Stoch),
		G.WithName(name),
		G.WithInit(G.Zeroes()))
	return &Noise{node: node, variant: r.config.Variant()}
}

// NewNoiseSequence allocates steps noise placeholders at the model's
// batch size, named with the prefix name.
func (r *RSSM) NewNoiseSequence(name string, steps int) []*Noise {
	noise := make([]*Noise, steps)
	for t := range noise {
		noise[t] = r.NewNoise(fmt.Sprintf("%v%d", name, t), r.batch)
	}
	return noise
}

// statsToState samples a stochastic component from the statistics node
// and bundles it with the deterministic component into a State.
func (r *RSSM) statsToState(deter, stats *G.Node,
	noise *Noise) (*State, error) {
	s := &State{variant: r.config.Variant(), Deter: deter}

	switch r.config.Variant() {
	case Categorical:
		s.Logit = stats
		dist, err := distribution.NewOneHotCategorical(stats, r.config.Stoch,
			r.config.UnimixRatio)
		if err != nil {
			return nil, fmt.Errorf("statstostate: could not build "+
				"categorical: %v", err)
		}
		if s.Stoch, err = dist.Sample(noise.Node()); err != nil {
			return nil, fmt.Errorf("statstostate: could not sample: %v", err)
		}

	case Gaussian:
		mean, err := G.Slice(stats, nil,
			tensorutils.NewSlice(0, r.config.Stoch, 1))
		if err != nil {
			return nil, fmt.Errorf("statstostate: could not slice mean: %v",
				err)
		}
		rawStd, err := G.Slice(stats, nil,
			tensorutils.NewSlice(r.config.Stoch, 2*r.config.Stoch, 1))
		if err != nil {
			return nil, fmt.Errorf("statstostate: could not slice std: %v",
				err)
		}

		// Width-1 slices drop the column axis
		if r.config.Stoch == 1 {
			rows := stats.Shape()[0]
			if mean, err = G.Reshape(mean, tensor.Shape{rows, 1}); err != nil {
				return nil, fmt.Errorf("statstostate: could not reshape "+
					"mean: %v", err)
			}
			if rawStd, err = G.Reshape(rawStd,
				tensor.Shape{rows, 1}); err != nil {
				return nil, fmt.Errorf("statstostate: could not reshape "+
					"std: %v", err)
			}
		}
		std, err := r.stdActivation(rawStd)
		if err != nil {
			return nil, fmt.Errorf("statstostate: could not activate std: "+
				"%v", err)
		}

		s.Mean = mean
		s.Std = std

		dist, err := distribution.NewNormal(mean, std)
		if err != nil {
			return nil, fmt.Errorf("statstostate: could not build normal: "+
				"%v", err)
		}
		if s.Stoch, err = dist.Sample(noise.Node()); err != nil {
			return nil, fmt.Errorf("statstostate: could not sample: %v", err)
		}
	}

	return s, nil
}

// stdActivation maps raw network outputs to positive standard
// deviations and applies the MinStd floor.
func (r *RSSM) stdActivation(raw *G.Node) (*G.Node, error) {
	var std *G.Node
	var err error

	switch r.config.StdAct {
	case "", "softplus":
		exp, e := G.Exp(raw)
		if e != nil {
			return nil, e
		}
		sum, e := G.Add(exp, G.NewConstant(1.0))
		if e != nil {
			return nil, e
		}
		std, err = G.Log(sum)

	case "sigmoid":
		std, err = G.Sigmoid(raw)

	case "sigmoid2":
		// 2*sigmoid(raw/2), a smooth squash onto (0, 2)
		half, e := G.HadamardProd(raw, G.NewConstant(0.5))
		if e != nil {
			return nil, e
		}
		sig, e := G.Sigmoid(half)
		if e != nil {
			return nil, e
		}
		std, err = G.HadamardProd(sig, G.NewConstant(2.0))

	default:
		return nil, fmt.Errorf("no such std activation: %v", r.config.StdAct)
	}
	if err != nil {
		return nil, err
	}

	if r.config.MinStd > 0 {
		return G.Add(std, G.NewConstant(r.config.MinStd))
	}
	return std, nil
}

// maskFirst zeroes the rows of x flagged by isFirst, a (batch, 1) node
// of 0/1 episode-start flags. Because the initial state is zeros,
// zeroing a row is a reset to the initial state.
func maskFirst(x, isFirst *G.Node) (*G.Node, error) {
	keep, err := G.Sub(G.NewConstant(1.0), isFirst)
	if err != nil {
		return nil, err
	}
	return G.BroadcastHadamardProd(x, keep, nil, []byte{1})
}

// ImgStep adds one prior transition to the graph: from the previous
// state and the action taken, predict the next latent state without
// seeing the next observation. A nil prev starts from the initial
// state. The step's batch size is set by its inputs, which may be
// wider than the model's batch, e.g. a whole flattened trajectory.
func (r *RSSM) ImgStep(prev *State, action *G.Node,
	noise *Noise) (*State, error) {
	if prev == nil {
		prev = r.InitialState()
	}
	if action.Shape()[1] != r.actionDim {
		return nil, fmt.Errorf("imgstep: invalid action width \n\twant(%v)"+
			"\n\thave(%v)", r.actionDim, action.Shape()[1])
	}

	x, err := G.Concat(1, prev.Stoch, action)
	if err != nil {
		return nil, fmt.Errorf("imgstep: could not concat state and "+
			"action: %v", err)
	}
	hidden, err := r.inNet.Fwd(x)
	if err != nil {
		return nil, fmt.Errorf("imgstep: could not compute recurrent "+
			"input: %v", err)
	}

	deter := prev.Deter
	for i := 0; i < r.config.RecDepth; i++ {
		if deter, err = r.cell.Step(hidden, deter); err != nil {
			return nil, fmt.Errorf("imgstep: could not step recurrent cell "+
				"(depth %v): %v", i, err)
		}
	}

	stats, err := r.imgStat.Fwd(deter)
	if err != nil {
		return nil, fmt.Errorf("imgstep: could not compute prior "+
			"statistics: %v", err)
	}
	return r.statsToState(deter, stats, noise)
}

// ObsStep adds one posterior transition to the graph: advance the
// prior with the action, then condition on the embedded observation.
// Rows whose isFirst flag is set have their previous state and action
// zeroed first, so episode starts carry no information across the
// boundary. A nil prev starts from the initial state. Both the
// posterior and the prior states are returned.
func (r *RSSM) ObsStep(prev *State, action, embed, isFirst *G.Node,
	noise *Noise) (post *State, prior *State, err error) {
	if prev == nil {
		prev = r.InitialState()
	}
	if embed.Shape()[1] != r.embedDim {
		return nil, nil, fmt.Errorf("obsstep: invalid embed width"+
			"\n\twant(%v)\n\thave(%v)", r.embedDim, embed.Shape()[1])
	}

	maskedStoch, err := maskFirst(prev.Stoch, isFirst)
	if err != nil {
		return nil, nil, fmt.Errorf("obsstep: could not mask state: %v", err)
	}
	maskedDeter, err := maskFirst(prev.Deter, isFirst)
	if err != nil {
		return nil, nil, fmt.Errorf("obsstep: could not mask state: %v", err)
	}
	maskedAction, err := maskFirst(action, isFirst)
	if err != nil {
		return nil, nil, fmt.Errorf("obsstep: could not mask action: %v",
			err)
	}
	masked := &State{
		variant: prev.variant,
		Stoch:   maskedStoch,
		Deter:   maskedDeter,
	}

	prior, err = r.ImgStep(masked, maskedAction, noise)
	if err != nil {
		return nil, nil, fmt.Errorf("obsstep: could not compute prior: %v",
			err)
	}

	x, err := G.Concat(1, prior.Deter, embed)
	if err != nil {
		return nil, nil, fmt.Errorf("obsstep: could not concat deter and "+
			"embed: %v", err)
	}
	stats, err := r.obsStat.Fwd(x)
	if err != nil {
		return nil, nil, fmt.Errorf("obsstep: could not compute posterior "+
			"statistics: %v", err)
	}

	post, err = r.statsToState(prior.Deter, stats, noise)
	if err != nil {
		return nil, nil, fmt.Errorf("obsstep: could not sample posterior: "+
			"%v", err)
	}
	return post, prior, nil
}

// sliceStep returns the (batch, dim) row block of timestep t from a
// time-major (steps*batch, dim) node.
func (r *RSSM) sliceStep(x *G.Node, t int) (*G.Node, error) {
	return G.Slice(x, tensorutils.NewSlice(t*r.batch, (t+1)*r.batch, 1))
}

// steps returns the number of timesteps in a time-major node and
// validates divisibility by the batch size.
func (r *RSSM) steps(x *G.Node) (int, error) {
	rows := x.Shape()[0]
	if rows%r.batch != 0 {
		return 0, fmt.Errorf("rows are not a multiple of the batch size"+
			"\n\twant(multiple of %v)\n\thave(%v)", r.batch, rows)
	}
	return rows / r.batch, nil
}

// Observe adds a posterior scan over a trajectory to the graph. The
// inputs are time-major: embed is (time*batch, embedDim), action is
// (time*batch, actionDim), and isFirst is (time*batch, 1); noise
// supplies one placeholder per step. The scan threads ObsStep through
// time starting from first (the initial state when nil) and returns
// the posterior and prior sequences.
func (r *RSSM) Observe(embed, action, isFirst *G.Node, first *State,
	noise []*Noise) (post *Sequence, prior *Sequence, err error) {
	steps, err := r.steps(embed)
	if err != nil {
		return nil, nil, fmt.Errorf("observe: %v", err)
	}
	if steps == 0 {
		return nil, nil, fmt.Errorf("observe: no timesteps")
	}
	if len(noise) != steps {
		return nil, nil, fmt.Errorf("observe: invalid noise length"+
			"\n\twant(%v)\n\thave(%v)", steps, len(noise))
	}

	posts := make([]*State, steps)
	priors := make([]*State, steps)

	state := first
	for t := 0; t < steps; t++ {
		embedT, err := r.sliceStep(embed, t)
		if err != nil {
			return nil, nil, fmt.Errorf("observe: could not slice embed at "+
				"step %v: %v", t, err)
		}
		actionT, err := r.sliceStep(action, t)
		if err != nil {
			return nil, nil, fmt.Errorf("observe: could not slice action "+
				"at step %v: %v", t, err)
		}
		isFirstT, err := r.sliceStep(isFirst, t)
		if err != nil {
			return nil, nil, fmt.Errorf("observe: could not slice isFirst "+
				"at step %v: %v", t, err)
		}

		posts[t], priors[t], err = r.ObsStep(state, actionT, embedT,
			isFirstT, noise[t])
		if err != nil {
			return nil, nil, fmt.Errorf("observe: could not step at %v: %v",
				t, err)
		}
		state = posts[t]
	}

	if post, err = newSequence(r, posts); err != nil {
		return nil, nil, fmt.Errorf("observe: %v", err)
	}
	if prior, err = newSequence(r, priors); err != nil {
		return nil, nil, fmt.Errorf("observe: %v", err)
	}
	return post, prior, nil
}

// ImagineWithAction adds a prior-only scan to the graph: starting from
// first, it threads ImgStep through a fixed time-major action sequence
// of shape (horizon*batch, actionDim), returning the sequence of
// predicted states. No observations are consumed.
func (r *RSSM) ImagineWithAction(action *G.Node, first *State,
	noise []*Noise) (*Sequence, error) {
	steps, err := r.steps(action)
	if err != nil {
		return nil, fmt.Errorf("imaginewithaction: %v", err)
	}
	if steps == 0 {
		return nil, fmt.Errorf("imaginewithaction: no timesteps")
	}
	if len(noise) != steps {
		return nil, fmt.Errorf("imaginewithaction: invalid noise length"+
			"\n\twant(%v)\n\thave(%v)", steps, len(noise))
	}

	states := make([]*State, steps)
	state := first
	for t := 0; t < steps; t++ {
		actionT, err := r.sliceStep(action, t)
		if err != nil {
			return nil, fmt.Errorf("imaginewithaction: could not slice "+
				"action at step %v: %v", t, err)
		}
		if state, err = r.ImgStep(state, actionT, noise[t]); err != nil {
			return nil, fmt.Errorf("imaginewithaction: could not step at "+
				"%v: %v", t, err)
		}
		states[t] = state
	}

	return newSequence(r, states)
}

// Feat returns the feature vector of a state: the stochastic component
// concatenated with the deterministic component.
func (r *RSSM) Feat(s *State) (*G.Node, error) {
	return G.Concat(1, s.Stoch, s.Deter)
}

// Dist returns the distribution over the stochastic component defined
// by a state's statistics.
func (r *RSSM) Dist(s *State) (distribution.Distribution, error) {
	switch s.variant {
	case Categorical:
		return distribution.NewOneHotCategorical(s.Logit, r.config.Stoch,
			r.config.UnimixRatio)
	case Gaussian:
		return distribution.NewNormal(s.Mean, s.Std)
	}
	return nil, fmt.Errorf("dist: no such variant: %v", s.variant)
}

// sgState returns a copy of s whose statistic nodes are wrapped in
// stop-gradients.
func (r *RSSM) sgState(s *State) (*State, error) {
	out := &State{variant: s.variant, Stoch: s.Stoch, Deter: s.Deter}
	var err error
	switch s.variant {
	case Categorical:
		if out.Logit, err = op.StopGradient(s.Logit); err != nil {
			return nil, err
		}
	case Gaussian:
		if out.Mean, err = op.StopGradient(s.Mean); err != nil {
			return nil, err
		}
		if out.Std, err = op.StopGradient(s.Std); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// kl builds the per-row KL divergence between the distributions of two
// states (or time-major sequences treated as one large batch).
func (r *RSSM) kl(p, q *State) (*G.Node, error) {
	switch r.config.Variant() {
	case Categorical:
		pd, err := distribution.NewOneHotCategorical(p.Logit,
			r.config.Stoch, r.config.UnimixRatio)
		if err != nil {
			return nil, err
		}
		qd, err := distribution.NewOneHotCategorical(q.Logit,
			r.config.Stoch, r.config.UnimixRatio)
		if err != nil {
			return nil, err
		}
		return pd.KL(qd)

	case Gaussian:
		pd, err := distribution.NewNormal(p.Mean, p.Std)
		if err != nil {
			return nil, err
		}
		qd, err := distribution.NewNormal(q.Mean, q.Std)
		if err != nil {
			return nil, err
		}
		return pd.KL(qd)
	}
	return nil, fmt.Errorf("kl: no such variant: %v", r.config.Variant())
}

// KLLoss builds the balanced KL objective between a posterior and a
// prior sequence:
//
//	dyn  = KL( sg(post) ‖ prior )   trains the prior toward the posterior
//	rep  = KL( post ‖ sg(prior) )   regularizes the posterior
//	loss = mean( dynScale*max(dyn, free) + repScale*max(rep, free) )
//
// The free-bits clip applies per timestep before averaging, so
// whenever both divergences sit below free the loss is constant and
// contributes no gradient. The returned dynValue and repValue are the
// unclipped means, for metrics.
func (r *RSSM) KLLoss(post, prior *Sequence, free, dynScale,
	repScale float64) (loss, dynValue, repValue *G.Node, err error) {
	if free < 0 || dynScale < 0 || repScale < 0 {
		return nil, nil, nil, fmt.Errorf("klloss: free, dynScale, and "+
			"repScale cannot be negative \n\thave(%v, %v, %v)", free,
			dynScale, repScale)
	}

	postStats := post.State()
	priorStats := prior.State()

	sgPost, err := r.sgState(postStats)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("klloss: could not stop posterior "+
			"gradient: %v", err)
	}
	sgPrior, err := r.sgState(priorStats)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("klloss: could not stop prior "+
			"gradient: %v", err)
	}

	dyn, err := r.kl(sgPost, priorStats)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("klloss: could not build dyn "+
			"loss: %v", err)
	}
	rep, err := r.kl(postStats, sgPrior)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("klloss: could not build rep "+
			"loss: %v", err)
	}

	freeNode := G.NewConstant(free)
	dynClip, err := op.Max(dyn, freeNode)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("klloss: could not clip dyn "+
			"loss: %v", err)
	}
	repClip, err := op.Max(rep, freeNode)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("klloss: could not clip rep "+
			"loss: %v", err)
	}

	scaledDyn, err := G.HadamardProd(dynClip, G.NewConstant(dynScale))
	if err != nil {
		return nil, nil, nil, err
	}
	scaledRep, err := G.HadamardProd(repClip, G.NewConstant(repScale))
	if err != nil {
		return nil, nil, nil, err
	}
	sum, err := G.Add(scaledDyn, scaledRep)
	if err != nil {
		return nil, nil, nil, err
	}
	if loss, err = G.Mean(sum); err != nil {
		return nil, nil, nil, err
	}

	if dynValue, err = G.Mean(dyn); err != nil {
		return nil, nil, nil, err
	}
	if repValue, err = G.Mean(rep); err != nil {
		return nil, nil, nil, err
	}
	return loss, dynValue, repValue, nil
}

// CloneTo clones the model onto graph g with a new batch size, copying
// the current weight values. The clone shares no nodes with the
// original; use Set to keep the copies synchronized.
func (r *RSSM) CloneTo(g *G.ExprGraph, scope string,
	batch int) (*RSSM, error) {
	clone, err := New(g, scope, r.embedDim, r.actionDim, batch, r.config,
		G.Zeroes())
	if err != nil {
		return nil, fmt.Errorf("cloneto: could not construct clone: %v", err)
	}
	if err := clone.Set(r); err != nil {
		return nil, fmt.Errorf("cloneto: could not copy weights: %v", err)
	}
	return clone, nil
}

// Set sets the model's weights to those of source, which must have an
// identical configuration.
func (r *RSSM) Set(source *RSSM) error {
	if source.config != r.config {
		return fmt.Errorf("set: mismatched configurations")
	}
	if err := r.inNet.Set(source.inNet); err != nil {
		return fmt.Errorf("set: could not set input network: %v", err)
	}
	if err := r.cell.Set(source.cell); err != nil {
		return fmt.Errorf("set: could not set recurrent cell: %v", err)
	}
	if err := r.imgStat.Set(source.imgStat); err != nil {
		return fmt.Errorf("set: could not set prior statistics: %v", err)
	}
	if err := r.obsStat.Set(source.obsStat); err != nil {
		return fmt.Errorf("set: could not set posterior statistics: %v", err)
	}
	return nil
}

// Learnables returns the learnable nodes of the model.
func (r *RSSM) Learnables() G.Nodes {
	learnables := make(G.Nodes, 0, 16)
	learnables = append(learnables, r.inNet.Learnables()...)
	learnables = append(learnables, r.cell.Learnables()...)
	learnables = append(learnables, r.imgStat.Learnables()...)
	learnables = append(learnables, r.obsStat.Learnables()...)
	return learnables
}

// Model returns the learnable nodes with their gradients.
func (r *RSSM) Model() []G.ValueGrad {
	model := make([]G.ValueGrad, 0, 16)
	for _, node := range r.Learnables() {
		model = append(model, node)
	}
	return model
}

// GobEncode implements the gob.GobEncoder interface
func (r *RSSM) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	for _, net := range []interface{}{r.inNet, r.cell, r.imgStat,
		r.obsStat} {
		if err := enc.Encode(net); err != nil {
			return nil, fmt.Errorf("gobencode: could not encode network: %v",
				err)
		}
	}
	return buf.Bytes(), nil
}

// GobDecode implements the gob.GobDecoder interface. Decoding fills the
// weights of the already-constructed model in place.
func (r *RSSM) GobDecode(in []byte) error {
	buf := bytes.NewReader(in)
	dec := gob.NewDecoder(buf)

	inNet := new(network.FeedForward)
	if err := dec.Decode(inNet); err != nil {
		return fmt.Errorf("gobdecode: could not decode input network: %v",
			err)
	}
	if err := r.inNet.Set(inNet); err != nil {
		return fmt.Errorf("gobdecode: could not set input network: %v", err)
	}

	cell := new(network.GRU)
	if err := dec.Decode(cell); err != nil {
		return fmt.Errorf("gobdecode: could not decode recurrent cell: %v",
			err)
	}
	if err := r.cell.Set(cell); err != nil {
		return fmt.Errorf("gobdecode: could not set recurrent cell: %v", err)
	}

	imgStat := new(network.FeedForward)
	if err := dec.Decode(imgStat); err != nil {
		return fmt.Errorf("gobdecode: could not decode prior statistics: %v",
			err)
	}
	if err := r.imgStat.Set(imgStat); err != nil {
		return fmt.Errorf("gobdecode: could not set prior statistics: %v",
			err)
	}

	obsStat := new(network.FeedForward)
	if err := dec.Decode(obsStat); err != nil {
		return fmt.Errorf("gobdecode: could not decode posterior "+
			"statistics: %v", err)
	}
	if err := r.obsStat.Set(obsStat); err != nil {
		return fmt.Errorf("gobdecode: could not set posterior statistics: "+
			"%v", err)
	}
	return nil
}
