package worldmodel

import (
	"fmt"

	"github.com/samuelfneumann/godreamer/dynamics"
	"github.com/samuelfneumann/godreamer/network"
	"github.com/samuelfneumann/godreamer/utils/tensorutils"
	"golang.org/x/exp/rand"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// openLoop is a diagnostic graph that conditions the posterior on a
// prefix of a trajectory and predicts the remainder open loop. It
// holds clones of the model's networks that are re-synced with the
// training weights before every run.
type openLoop struct {
	g       *G.ExprGraph
	vm      G.VM
	encoder *network.FeedForward
	rssm    *dynamics.RSSM
	decoder *network.FeedForward

	obs     map[string]*G.Node
	action  *G.Node
	isFirst *G.Node
	noise   []*dynamics.Noise

	truth G.Value
	recon G.Value
}

// OpenLoop measures how well the model predicts a trajectory it has
// only partly seen: the posterior consumes the first contextSteps
// observations, the prior rolls the remaining steps forward from the
// stored actions alone, and both segments are decoded. It returns the
// preprocessed ground-truth observations and the model's predictions,
// both time-major (TrajLen*BatchSize, total obs dim) tensors. The
// model's weights are not changed.
func (w *WorldModel) OpenLoop(data Batch, contextSteps int) (truth,
	recon *tensor.Dense, err error) {
	if contextSteps < 1 || contextSteps >= w.config.TrajLen {
		return nil, nil, fmt.Errorf("openloop: context steps must be in "+
			"[1, %v) \n\thave(%v)", w.config.TrajLen, contextSteps)
	}
	if err := data.Validate(w.config.Modalities,
		w.config.ActionDim); err != nil {
		return nil, nil, fmt.Errorf("openloop: %v", err)
	}
	batch, time, err := data.Dims()
	if err != nil {
		return nil, nil, fmt.Errorf("openloop: %v", err)
	}
	if batch != w.config.BatchSize || time != w.config.TrajLen {
		return nil, nil, fmt.Errorf("openloop: batch does not match the "+
			"configured dimensions \n\twant(%v x %v)\n\thave(%v x %v)",
			w.config.BatchSize, w.config.TrajLen, batch, time)
	}

	ol, ok := w.openLoops[contextSteps]
	if !ok {
		if ol, err = w.newOpenLoop(contextSteps); err != nil {
			return nil, nil, fmt.Errorf("openloop: %v", err)
		}
		w.openLoops[contextSteps] = ol
	}

	// Pull the current training weights into the diagnostic graph
	if err := ol.encoder.Set(w.encoder); err != nil {
		return nil, nil, fmt.Errorf("openloop: could not sync encoder: %v",
			err)
	}
	if err := ol.rssm.Set(w.rssm); err != nil {
		return nil, nil, fmt.Errorf("openloop: could not sync dynamics: %v",
			err)
	}
	if err := ol.decoder.Set(w.decoder); err != nil {
		return nil, nil, fmt.Errorf("openloop: could not sync decoder: %v",
			err)
	}

	prep, err := w.Preprocess(data)
	if err != nil {
		return nil, nil, fmt.Errorf("openloop: %v", err)
	}
	if err := ol.feed(w.config, prep, w.rng); err != nil {
		return nil, nil, fmt.Errorf("openloop: %v", err)
	}

	if err := ol.vm.RunAll(); err != nil {
		return nil, nil, fmt.Errorf("openloop: could not run graph: %v", err)
	}
	truth = cloneValue(ol.truth)
	recon = cloneValue(ol.recon)
	ol.vm.Reset()

	return truth, recon, nil
}

// newOpenLoop builds the diagnostic graph for a fixed number of
// context steps.
func (w *WorldModel) newOpenLoop(contextSteps int) (*openLoop, error) {
	g := G.NewGraph()
	config := w.config
	rows := config.BatchSize * config.TrajLen
	ctxRows := contextSteps * config.BatchSize

	ol := &openLoop{
		g:   g,
		obs: make(map[string]*G.Node, len(config.Modalities)),
	}

	for _, m := range config.Modalities {
		ol.obs[m.Name] = placeholder(g, "OpenLoopObs"+m.Name, rows, m.Size)
	}
	ol.action = placeholder(g, "OpenLoopAction", rows, config.ActionDim)
	ol.isFirst = placeholder(g, "OpenLoopIsFirst", rows, 1)

	truth, err := obsConcat(config.Modalities, ol.obs)
	if err != nil {
		return nil, fmt.Errorf("newopenloop: could not concat "+
			"observations: %v", err)
	}

	if ol.encoder, err = w.encoder.CloneTo(g); err != nil {
		return nil, fmt.Errorf("newopenloop: could not clone encoder: %v",
			err)
	}
	if ol.rssm, err = w.rssm.CloneTo(g, "OpenLoop",
		config.BatchSize); err != nil {
		return nil, fmt.Errorf("newopenloop: could not clone dynamics: %v",
			err)
	}
	if ol.decoder, err = w.decoder.CloneTo(g); err != nil {
		return nil, fmt.Errorf("newopenloop: could not clone decoder: %v",
			err)
	}

	embed, err := ol.encoder.Fwd(truth)
	if err != nil {
		return nil, fmt.Errorf("newopenloop: could not embed "+
			"observations: %v", err)
	}

	embedCtx, err := sliceRows(embed, 0, ctxRows)
	if err != nil {
		return nil, fmt.Errorf("newopenloop: could not slice embed: %v", err)
	}
	actionCtx, err := sliceRows(ol.action, 0, ctxRows)
	if err != nil {
		return nil, fmt.Errorf("newopenloop: could not slice actions: %v",
			err)
	}
	isFirstCtx, err := sliceRows(ol.isFirst, 0, ctxRows)
	if err != nil {
		return nil, fmt.Errorf("newopenloop: could not slice start flags: %v",
			err)
	}

	ol.noise = ol.rssm.NewNoiseSequence("OpenLoopNoise", config.TrajLen)

	post, _, err := ol.rssm.Observe(embedCtx, actionCtx, isFirstCtx, nil,
		ol.noise[:contextSteps])
	if err != nil {
		return nil, fmt.Errorf("newopenloop: could not build posterior "+
			"scan: %v", err)
	}

	actionRest, err := sliceRows(ol.action, ctxRows, rows)
	if err != nil {
		return nil, fmt.Errorf("newopenloop: could not slice remaining "+
			"actions: %v", err)
	}
	imag, err := ol.rssm.ImagineWithAction(actionRest,
		post.States[contextSteps-1], ol.noise[contextSteps:])
	if err != nil {
		return nil, fmt.Errorf("newopenloop: could not build open-loop "+
			"scan: %v", err)
	}

	reconPost, err := ol.decoder.Fwd(post.Feat)
	if err != nil {
		return nil, fmt.Errorf("newopenloop: could not decode posterior "+
			"features: %v", err)
	}
	reconImag, err := ol.decoder.Fwd(imag.Feat)
	if err != nil {
		return nil, fmt.Errorf("newopenloop: could not decode predicted "+
			"features: %v", err)
	}
	recon, err := G.Concat(0, reconPost, reconImag)
	if err != nil {
		return nil, fmt.Errorf("newopenloop: could not concat "+
			"predictions: %v", err)
	}

	G.Read(truth, &ol.truth)
	G.Read(recon, &ol.recon)
	ol.vm = G.NewTapeMachine(g)

	return ol, nil
}

// feed sets the diagnostic graph's placeholders from a preprocessed
// batch and draws fresh noise.
func (ol *openLoop) feed(config Config, prep Batch, rng *rand.Rand) error {
	for _, m := range config.Modalities {
		value, err := TimeMajor(prep[m.Name])
		if err != nil {
			return fmt.Errorf("feed: could not repack %v: %v", m.Name, err)
		}
		if err := G.Let(ol.obs[m.Name], value); err != nil {
			return fmt.Errorf("feed: could not feed %v: %v", m.Name, err)
		}
	}

	action, err := TimeMajor(prep[ActionKey])
	if err != nil {
		return fmt.Errorf("feed: could not repack actions: %v", err)
	}
	if err := G.Let(ol.action, action); err != nil {
		return fmt.Errorf("feed: could not feed actions: %v", err)
	}

	isFirst, err := TimeMajorColumn(prep[IsFirstKey])
	if err != nil {
		return fmt.Errorf("feed: could not repack %v: %v", IsFirstKey, err)
	}
	if err := G.Let(ol.isFirst, isFirst); err != nil {
		return fmt.Errorf("feed: could not feed %v: %v", IsFirstKey, err)
	}

	for _, n := range ol.noise {
		if err := n.Feed(rng); err != nil {
			return fmt.Errorf("feed: could not feed noise: %v", err)
		}
	}
	return nil
}

// sliceRows slices rows [start, end) of a matrix node.
func sliceRows(x *G.Node, start, end int) (*G.Node, error) {
	return G.Slice(x, tensorutils.NewSlice(start, end, 1))
}
