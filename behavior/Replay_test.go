package behavior

import (
	"math"
	"testing"

	"github.com/samuelfneumann/godreamer/dynamics"
	"github.com/samuelfneumann/godreamer/initwfn"
	"github.com/samuelfneumann/godreamer/network"
	"github.com/samuelfneumann/godreamer/solver"
	"github.com/samuelfneumann/godreamer/spec"
	"github.com/samuelfneumann/godreamer/worldmodel"
	"gorgonia.org/tensor"
)

func testMLP(hidden, outputs int) network.FeedForwardConfig {
	return network.FeedForwardConfig{
		Hidden:     []int{hidden},
		Outputs:    outputs,
		OutputBias: true,
	}
}

// newTestWM builds a small world model for 2 trajectories of 3 steps
// with a 3-wide observation and 2-wide actions.
func newTestWM(t *testing.T, seed uint64) *worldmodel.WorldModel {
	t.Helper()

	init, err := initwfn.NewGlorotU(1.0)
	if err != nil {
		t.Fatalf("could not create initializer: %v", err)
	}
	adam, err := solver.NewDefaultAdam(0.001, 1)
	if err != nil {
		t.Fatalf("could not create solver: %v", err)
	}

	wm, err := worldmodel.New(worldmodel.Config{
		Modalities: []spec.Modality{{Name: "position", Size: 3}},
		ActionDim:  2,
		BatchSize:  2,
		TrajLen:    3,
		Gamma:      0.99,
		KLFree:     1,
		DynScale:   0.5,
		RepScale:   0.1,
		GradHeads: []string{
			worldmodel.HeadDecoder,
			worldmodel.HeadReward,
			worldmodel.HeadCont,
		},
		Encoder: testMLP(8, 4),
		Decoder: testMLP(8, 0),
		Reward:  testMLP(8, 0),
		Cont:    testMLP(8, 0),
		RSSM: dynamics.Config{
			Stoch:       2,
			Classes:     3,
			Deter:       4,
			Hidden:      6,
			RecDepth:    1,
			UnimixRatio: 0.01,
		},
		Solver: adam,
		Init:   init,
		Seed:   seed,
	})
	if err != nil {
		t.Fatalf("could not create world model: %v", err)
	}
	return wm
}

func testReplayConfig(t *testing.T, seed uint64) ReplayConfig {
	t.Helper()

	init, err := initwfn.NewGlorotU(1.0)
	if err != nil {
		t.Fatalf("could not create initializer: %v", err)
	}
	newAdam := func() *solver.Solver {
		adam, err := solver.NewDefaultAdam(0.001, 1)
		if err != nil {
			t.Fatalf("could not create solver: %v", err)
		}
		return adam
	}

	return ReplayConfig{
		Lambda:           0.95,
		ActorLossMode:    ReinforceMode,
		ActorEntropy:     3e-4,
		NoiseScale:       0.2,
		NoiseClip:        0.5,
		PolicyFreq:       2,
		ActorDelay:       1,
		SlowTargetUpdate: 3,
		SlowTargetMix:    0.1,
		Actor:            testMLP(8, 0),
		Critic:           testMLP(8, 0),
		ActorDist:        "normal",
		ActorMinStd:      0.1,
		EMAAlpha:         0.05,
		ActorSolver:      newAdam(),
		CriticSolver:     newAdam(),
		Init:             init,
		Seed:             seed,
	}
}

// trainBatch returns a valid, fully deterministic trajectory batch for
// the test world model's dimensions.
func trainBatch() worldmodel.Batch {
	fill := func(shape []int, f func(i int) float64) *tensor.Dense {
		size := 1
		for _, s := range shape {
			size *= s
		}
		backing := make([]float64, size)
		for i := range backing {
			backing[i] = f(i)
		}
		return tensor.New(tensor.WithShape(shape...),
			tensor.WithBacking(backing))
	}

	return worldmodel.Batch{
		"position": fill([]int{2, 3, 3}, func(i int) float64 {
			return 0.1*float64(i%7) - 0.3
		}),
		worldmodel.ActionKey: fill([]int{2, 3, 2}, func(i int) float64 {
			return 0.2*float64(i%5) - 0.4
		}),
		worldmodel.RewardKey: fill([]int{2, 3}, func(i int) float64 {
			return float64(i%3) - 1
		}),
		worldmodel.DiscountKey: fill([]int{2, 3}, func(i int) float64 {
			return 1
		}),
		worldmodel.IsFirstKey: fill([]int{2, 3}, func(i int) float64 {
			if i%3 == 0 {
				return 1
			}
			return 0
		}),
		worldmodel.IsTerminalKey: fill([]int{2, 3}, func(i int) float64 {
			return 0
		}),
	}
}

func TestReplayConfigValidate(t *testing.T) {
	if err := testReplayConfig(t, 1).Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	invalid := []func(*ReplayConfig){
		func(c *ReplayConfig) { c.Lambda = 1.5 },
		func(c *ReplayConfig) { c.ActorLossMode = "policy-iteration" },
		func(c *ReplayConfig) { c.NoiseScale = -1 },
		func(c *ReplayConfig) { c.NoiseClip = -1 },
		func(c *ReplayConfig) { c.PolicyFreq = 0 },
		func(c *ReplayConfig) { c.ActorDelay = 0 },
		func(c *ReplayConfig) { c.ActorDist = "beta" },
		func(c *ReplayConfig) { c.EMAAlpha = 0 },
		func(c *ReplayConfig) { c.ActorSolver = nil },
		func(c *ReplayConfig) { c.Init = nil },
	}
	for i, mutate := range invalid {
		config := testReplayConfig(t, 1)
		mutate(&config)
		if err := config.Validate(); err == nil {
			t.Errorf("config %v should be invalid", i)
		}
	}
}

func TestReplayTrainGatesActorUpdates(t *testing.T) {
	wm := newTestWM(t, 11)
	config := testReplayConfig(t, 12)
	behavior, err := NewReplay(wm, config)
	if err != nil {
		t.Fatalf("could not create behavior: %v", err)
	}

	data := trainBatch()
	for step := 1; step <= 4; step++ {
		metrics, err := behavior.Train(data)
		if err != nil {
			t.Fatalf("could not train on step %v: %v", step, err)
		}

		// The actor steps only every PolicyFreq-th call
		_, updated := metrics["actor_grad_norm"]
		want := step%config.PolicyFreq == 0
		if updated != want {
			t.Errorf("wrong actor update on step %v \n\twant(%v)"+
				"\n\thave(%v)", step, want, updated)
		}

		// Exploration noise stays within the clip bounds
		noise, ok := metrics["expl_noise_mean"]
		if !ok {
			t.Fatalf("no exploration noise metric on step %v", step)
		}
		if noise < -config.NoiseClip || noise > config.NoiseClip {
			t.Errorf("exploration noise outside clip bounds on step %v"+
				" \n\twant(within ±%v)\n\thave(%v)", step, config.NoiseClip,
				noise)
		}

		for name, value := range metrics {
			if math.IsNaN(value) || math.IsInf(value, 0) {
				t.Errorf("metric %v is not finite on step %v \n\thave(%v)",
					name, step, value)
			}
		}
	}
}

func TestReplayTrainRejectsInvalidBatch(t *testing.T) {
	wm := newTestWM(t, 21)
	behavior, err := NewReplay(wm, testReplayConfig(t, 22))
	if err != nil {
		t.Fatalf("could not create behavior: %v", err)
	}

	missing := trainBatch()
	delete(missing, worldmodel.DiscountKey)
	if _, err := behavior.Train(missing); err == nil {
		t.Error("expected error for batch without discount")
	}
}

func TestImaginationTrainProducesMetrics(t *testing.T) {
	wm := newTestWM(t, 31)

	init, err := initwfn.NewGlorotU(1.0)
	if err != nil {
		t.Fatalf("could not create initializer: %v", err)
	}
	newAdam := func() *solver.Solver {
		adam, err := solver.NewDefaultAdam(0.001, 1)
		if err != nil {
			t.Fatalf("could not create solver: %v", err)
		}
		return adam
	}

	imag, err := NewImagination(wm, ImagConfig{
		Horizon:          3,
		Lambda:           0.95,
		Gamma:            0.99,
		ActorLossMode:    DynamicsMode,
		ActorEntropy:     3e-4,
		SlowTargetUpdate: 2,
		SlowTargetMix:    0.1,
		Actor:            testMLP(8, 0),
		Critic:           testMLP(8, 0),
		ActorDist:        "normal",
		ActorMinStd:      0.1,
		EMAAlpha:         0.05,
		ActorSolver:      newAdam(),
		CriticSolver:     newAdam(),
		Init:             init,
		Seed:             32,
	}, nil)
	if err != nil {
		t.Fatalf("could not create behavior: %v", err)
	}

	ctx, _, err := wm.Train(trainBatch())
	if err != nil {
		t.Fatalf("could not train world model: %v", err)
	}
	metrics, err := imag.Train(ctx)
	if err != nil {
		t.Fatalf("could not train behavior: %v", err)
	}
	if len(metrics) == 0 {
		t.Fatal("behavior training produced no metrics")
	}
	for name, value := range metrics {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			t.Errorf("metric %v is not finite \n\thave(%v)", name, value)
		}
	}
}
