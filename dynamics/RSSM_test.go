package dynamics

import (
	"math"
	"testing"

	"golang.org/x/exp/rand"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const (
	tolerance = 1e-10
	embedDim  = 5
	actionDim = 2
	batch     = 2
)

func categoricalConfig() Config {
	return Config{
		Stoch:       2,
		Classes:     3,
		Deter:       4,
		Hidden:      6,
		RecDepth:    1,
		UnimixRatio: 0.01,
	}
}

func gaussianConfig() Config {
	return Config{
		Stoch:    3,
		Deter:    4,
		Hidden:   6,
		RecDepth: 1,
		MinStd:   0.1,
	}
}

func newTestRSSM(t *testing.T, g *G.ExprGraph, config Config) *RSSM {
	t.Helper()
	r, err := New(g, "Test", embedDim, actionDim, batch, config,
		G.GlorotU(1.0))
	if err != nil {
		t.Fatalf("could not create model: %v", err)
	}
	return r
}

func valueNode(g *G.ExprGraph, name string, rows, cols int,
	fill func(i int) float64) *G.Node {
	backing := make([]float64, rows*cols)
	for i := range backing {
		backing[i] = fill(i)
	}
	return G.NewMatrix(g, tensor.Float64, G.WithShape(rows, cols),
		G.WithName(name), G.WithValue(tensor.New(
			tensor.WithShape(rows, cols),
			tensor.WithBacking(backing),
		)))
}

func TestConfigValidate(t *testing.T) {
	bad := []Config{
		{Stoch: 0, Deter: 4, Hidden: 6, RecDepth: 1},
		{Stoch: 2, Classes: 1, Deter: 4, Hidden: 6, RecDepth: 1},
		{Stoch: 2, Deter: 0, Hidden: 6, RecDepth: 1},
		{Stoch: 2, Deter: 4, Hidden: 6, RecDepth: 0},
		{Stoch: 2, Deter: 4, Hidden: 6, RecDepth: 1, UnimixRatio: 1},
		{Stoch: 2, Deter: 4, Hidden: 6, RecDepth: 1, StdAct: "relu6"},
	}
	for i, config := range bad {
		if err := config.Validate(); err == nil {
			t.Errorf("config %v should be invalid", i)
		}
	}

	if err := categoricalConfig().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
	if err := gaussianConfig().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestConfigDims(t *testing.T) {
	cat := categoricalConfig()
	if cat.Variant() != Categorical {
		t.Error("classes > 0 should select categorical latents")
	}
	if cat.StochDim() != 6 {
		t.Errorf("wrong stochastic width \n\twant(%v)\n\thave(%v)", 6,
			cat.StochDim())
	}
	if cat.FeatDim() != 10 {
		t.Errorf("wrong feature width \n\twant(%v)\n\thave(%v)", 10,
			cat.FeatDim())
	}

	gauss := gaussianConfig()
	if gauss.Variant() != Gaussian {
		t.Error("classes == 0 should select Gaussian latents")
	}
	if gauss.StochDim() != 3 {
		t.Errorf("wrong stochastic width \n\twant(%v)\n\thave(%v)", 3,
			gauss.StochDim())
	}
}

func TestInitialStateFeatIsZero(t *testing.T) {
	g := G.NewGraph()
	r := newTestRSSM(t, g, categoricalConfig())

	feat, err := r.Feat(r.InitialState())
	if err != nil {
		t.Fatalf("could not build features: %v", err)
	}

	var val G.Value
	G.Read(feat, &val)

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("could not run graph: %v", err)
	}

	want := tensor.Shape{batch, r.Config().FeatDim()}
	if !val.Shape().Eq(want) {
		t.Fatalf("invalid feature shape \n\twant(%v)\n\thave(%v)", want,
			val.Shape())
	}
	for i, v := range val.Data().([]float64) {
		if v != 0 {
			t.Fatalf("initial features should be zero at %v \n\thave(%v)",
				i, v)
		}
	}
}

func TestObsStepMasksStateOnFirst(t *testing.T) {
	g := G.NewGraph()
	r := newTestRSSM(t, g, categoricalConfig())

	embed := valueNode(g, "embed", batch, embedDim, func(i int) float64 {
		return 0.1 * float64(i+1)
	})
	action := valueNode(g, "action", batch, actionDim,
		func(i int) float64 { return float64(i) - 0.5 })
	isFirst := valueNode(g, "isFirst", batch, 1,
		func(i int) float64 { return 1 })
	noise := r.NewNoise("noise", batch)

	// Two different previous states: the zeroed initial state and an
	// arbitrary nonzero state.
	prev := NewState(Categorical,
		valueNode(g, "prevStoch", batch, r.Config().StochDim(),
			func(i int) float64 { return 1 }),
		valueNode(g, "prevDeter", batch, r.Config().Deter,
			func(i int) float64 { return -2 }),
	)

	postInit, _, err := r.ObsStep(nil, action, embed, isFirst, noise)
	if err != nil {
		t.Fatalf("could not build step from initial state: %v", err)
	}
	postPrev, _, err := r.ObsStep(prev, action, embed, isFirst, noise)
	if err != nil {
		t.Fatalf("could not build step from nonzero state: %v", err)
	}

	var initLogit, prevLogit, initStoch, prevStoch G.Value
	G.Read(postInit.Logit, &initLogit)
	G.Read(postPrev.Logit, &prevLogit)
	G.Read(postInit.Stoch, &initStoch)
	G.Read(postPrev.Stoch, &prevStoch)

	if err := noise.Feed(rand.New(rand.NewSource(3))); err != nil {
		t.Fatalf("could not feed noise: %v", err)
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("could not run graph: %v", err)
	}

	a := initLogit.Data().([]float64)
	b := prevLogit.Data().([]float64)
	for i := range a {
		if math.Abs(a[i]-b[i]) > tolerance {
			t.Fatalf("posterior depends on the previous state despite "+
				"is_first at %v \n\twant(%v)\n\thave(%v)", i, a[i], b[i])
		}
	}

	s1 := initStoch.Data().([]float64)
	s2 := prevStoch.Data().([]float64)
	for i := range s1 {
		if math.Abs(s1[i]-s2[i]) > tolerance {
			t.Fatalf("samples depend on the previous state despite "+
				"is_first at %v", i)
		}
	}
}

func TestImagineWithActionMatchesSingleStep(t *testing.T) {
	g := G.NewGraph()
	r := newTestRSSM(t, g, categoricalConfig())

	// One timestep: the action node's rows equal the batch size
	action := valueNode(g, "action", batch, actionDim,
		func(i int) float64 { return 0.25 * float64(i) })
	noise := r.NewNoise("noise", batch)

	seq, err := r.ImagineWithAction(action, nil, []*Noise{noise})
	if err != nil {
		t.Fatalf("could not build scan: %v", err)
	}
	step, err := r.ImgStep(nil, action, noise)
	if err != nil {
		t.Fatalf("could not build single step: %v", err)
	}

	var seqStoch, stepStoch, seqDeter, stepDeter G.Value
	G.Read(seq.States[0].Stoch, &seqStoch)
	G.Read(step.Stoch, &stepStoch)
	G.Read(seq.States[0].Deter, &seqDeter)
	G.Read(step.Deter, &stepDeter)

	if err := noise.Feed(rand.New(rand.NewSource(5))); err != nil {
		t.Fatalf("could not feed noise: %v", err)
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("could not run graph: %v", err)
	}

	a := seqStoch.Data().([]float64)
	b := stepStoch.Data().([]float64)
	for i := range a {
		if math.Abs(a[i]-b[i]) > tolerance {
			t.Fatalf("scan and single step samples differ at %v"+
				" \n\twant(%v)\n\thave(%v)", i, b[i], a[i])
		}
	}
	c := seqDeter.Data().([]float64)
	d := stepDeter.Data().([]float64)
	for i := range c {
		if math.Abs(c[i]-d[i]) > tolerance {
			t.Fatalf("scan and single step states differ at %v", i)
		}
	}
}

func TestObserveReproducible(t *testing.T) {
	const steps = 2

	g := G.NewGraph()
	r := newTestRSSM(t, g, gaussianConfig())

	embed := valueNode(g, "embed", steps*batch, embedDim,
		func(i int) float64 { return 0.05 * float64(i) })
	action := valueNode(g, "action", steps*batch, actionDim,
		func(i int) float64 { return 0.1 * float64(i%3) })
	isFirst := valueNode(g, "isFirst", steps*batch, 1,
		func(i int) float64 {
			if i < batch {
				return 1
			}
			return 0
		})
	noise := r.NewNoiseSequence("noise", steps)

	post, _, err := r.Observe(embed, action, isFirst, nil, noise)
	if err != nil {
		t.Fatalf("could not build scan: %v", err)
	}

	var mean, stoch G.Value
	G.Read(post.Mean, &mean)
	G.Read(post.Stoch, &stoch)

	feed := func() {
		rng := rand.New(rand.NewSource(9))
		for _, n := range noise {
			if err := n.Feed(rng); err != nil {
				t.Fatalf("could not feed noise: %v", err)
			}
		}
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()

	feed()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("could not run graph: %v", err)
	}
	firstMean := append([]float64(nil), mean.Data().([]float64)...)
	firstStoch := append([]float64(nil), stoch.Data().([]float64)...)
	vm.Reset()

	feed()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("could not rerun graph: %v", err)
	}

	secondMean := mean.Data().([]float64)
	for i := range firstMean {
		if firstMean[i] != secondMean[i] {
			t.Fatalf("posterior means differ between identical runs at "+
				"%v \n\twant(%v)\n\thave(%v)", i, firstMean[i],
				secondMean[i])
		}
	}
	secondStoch := stoch.Data().([]float64)
	for i := range firstStoch {
		if firstStoch[i] != secondStoch[i] {
			t.Fatalf("samples differ between identical runs at %v", i)
		}
	}
}

func TestObserveNilFirstIsInitialState(t *testing.T) {
	g := G.NewGraph()
	r := newTestRSSM(t, g, categoricalConfig())

	embed := valueNode(g, "embed", batch, embedDim,
		func(i int) float64 { return 0.1 * float64(i) })
	action := valueNode(g, "action", batch, actionDim,
		func(i int) float64 { return 0.5 })
	isFirst := valueNode(g, "isFirst", batch, 1,
		func(i int) float64 { return 0 })
	noise := r.NewNoiseSequence("noise", 1)

	fromNil, _, err := r.Observe(embed, action, isFirst, nil, noise)
	if err != nil {
		t.Fatalf("could not build scan: %v", err)
	}
	fromInitial, _, err := r.Observe(embed, action, isFirst,
		r.InitialState(), noise)
	if err != nil {
		t.Fatalf("could not build scan: %v", err)
	}

	var a, b G.Value
	G.Read(fromNil.Stoch, &a)
	G.Read(fromInitial.Stoch, &b)

	if err := noise[0].Feed(rand.New(rand.NewSource(17))); err != nil {
		t.Fatalf("could not feed noise: %v", err)
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("could not run graph: %v", err)
	}

	have := b.Data().([]float64)
	for i, want := range a.Data().([]float64) {
		if want != have[i] {
			t.Fatalf("nil and explicit initial states diverge at %v"+
				" \n\twant(%v)\n\thave(%v)", i, want, have[i])
		}
	}
}

func TestKLLossFreeBits(t *testing.T) {
	const (
		free     = 1.0
		dynScale = 0.5
		repScale = 0.1
	)

	g := G.NewGraph()
	r := newTestRSSM(t, g, categoricalConfig())

	embed := valueNode(g, "embed", batch, embedDim,
		func(i int) float64 { return 0.2 * float64(i) })
	action := valueNode(g, "action", batch, actionDim,
		func(i int) float64 { return 0.3 })
	isFirst := valueNode(g, "isFirst", batch, 1,
		func(i int) float64 { return 1 })
	noise := r.NewNoiseSequence("noise", 1)

	post, _, err := r.Observe(embed, action, isFirst, nil, noise)
	if err != nil {
		t.Fatalf("could not build scan: %v", err)
	}

	// A sequence against itself has zero divergence everywhere, so
	// both terms clip to the free bits.
	loss, dynVal, repVal, err := r.KLLoss(post, post, free, dynScale,
		repScale)
	if err != nil {
		t.Fatalf("could not build loss: %v", err)
	}

	var lossOut, dynOut, repOut G.Value
	G.Read(loss, &lossOut)
	G.Read(dynVal, &dynOut)
	G.Read(repVal, &repOut)

	if err := noise[0].Feed(rand.New(rand.NewSource(13))); err != nil {
		t.Fatalf("could not feed noise: %v", err)
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("could not run graph: %v", err)
	}

	want := dynScale*free + repScale*free
	have := lossOut.Data().(float64)
	if math.Abs(want-have) > 1e-8 {
		t.Errorf("loss should clip to the free bits \n\twant(%v)"+
			"\n\thave(%v)", want, have)
	}
	if dyn := dynOut.Data().(float64); math.Abs(dyn) > 1e-8 {
		t.Errorf("raw divergence should be zero \n\thave(%v)", dyn)
	}
	if rep := repOut.Data().(float64); math.Abs(rep) > 1e-8 {
		t.Errorf("raw divergence should be zero \n\thave(%v)", rep)
	}

	if _, _, _, err := r.KLLoss(post, post, -1, 1, 1); err == nil {
		t.Error("expected error for negative free bits")
	}
}
