package worldmodel

import (
	"math"
	"testing"

	"github.com/samuelfneumann/godreamer/dynamics"
	"github.com/samuelfneumann/godreamer/initwfn"
	"github.com/samuelfneumann/godreamer/network"
	"github.com/samuelfneumann/godreamer/solver"
	"github.com/samuelfneumann/godreamer/spec"
)

const tolerance = 1e-10

func mlp(hidden, outputs int) network.FeedForwardConfig {
	return network.FeedForwardConfig{
		Hidden:     []int{hidden},
		Outputs:    outputs,
		OutputBias: true,
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	adam, err := solver.NewDefaultAdam(0.001, 1)
	if err != nil {
		t.Fatalf("could not create solver: %v", err)
	}
	init, err := initwfn.NewGlorotU(1.0)
	if err != nil {
		t.Fatalf("could not create initializer: %v", err)
	}

	return Config{
		Modalities: []spec.Modality{{Name: "image", Size: 2}},
		ActionDim:  1,
		BatchSize:  2,
		TrajLen:    2,
		Gamma:      0.75,
		KLFree:     1,
		DynScale:   0.5,
		RepScale:   0.1,
		GradHeads:  []string{HeadDecoder, HeadReward, HeadCont},
		Encoder:    mlp(8, 4),
		Decoder:    mlp(8, 0),
		Reward:     mlp(8, 0),
		Cont:       mlp(8, 0),
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
		Seed:   42,
	}
}

func TestConfigValidate(t *testing.T) {
	if err := testConfig(t).Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	invalid := []func(*Config){
		func(c *Config) { c.Modalities = nil },
		func(c *Config) { c.Modalities = []spec.Modality{{Name: ActionKey, Size: 2}} },
		func(c *Config) {
			c.Modalities = []spec.Modality{
				{Name: "image", Size: 2}, {Name: "image", Size: 3},
			}
		},
		func(c *Config) { c.ActionDim = 0 },
		func(c *Config) { c.BatchSize = 1 },
		func(c *Config) { c.TrajLen = 1 },
		func(c *Config) { c.Gamma = 0 },
		func(c *Config) { c.Gamma = 1.5 },
		func(c *Config) { c.DynScale = -1 },
		func(c *Config) { c.GradHeads = []string{"policy"} },
		func(c *Config) { c.RewardDist = "poisson" },
		func(c *Config) { c.Solver = nil },
		func(c *Config) { c.Init = nil },
	}
	for i, mutate := range invalid {
		config := testConfig(t)
		mutate(&config)
		if err := config.Validate(); err == nil {
			t.Errorf("config %v should be invalid", i)
		}
	}
}

func preprocessBatch() Batch {
	return Batch{
		"image": dense([]int{2, 2, 2},
			[]float64{0, 51, 102, 153, 204, 255, 0, 255}),
		ActionKey:     zeros(2, 2, 1),
		RewardKey:     dense([]int{2, 2}, []float64{1, 2, 3, 4}),
		DiscountKey:   dense([]int{2, 2}, []float64{1, 1, 1, 0}),
		IsFirstKey:    dense([]int{2, 2}, []float64{1, 0, 1, 0}),
		IsTerminalKey: dense([]int{2, 2}, []float64{0, 0, 0, 1}),
	}
}

func TestPreprocess(t *testing.T) {
	w, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("could not create model: %v", err)
	}

	data := preprocessBatch()
	prep, err := w.Preprocess(data)
	if err != nil {
		t.Fatalf("could not preprocess: %v", err)
	}

	// Images scale to [0, 1]
	image := prep["image"].Data().([]float64)
	wantImage := []float64{0, 0.2, 0.4, 0.6, 0.8, 1, 0, 1}
	for i := range wantImage {
		if math.Abs(wantImage[i]-image[i]) > tolerance {
			t.Errorf("wrong image value at %v \n\twant(%v)\n\thave(%v)", i,
				wantImage[i], image[i])
		}
	}

	// Discounts scale by gamma
	discount := prep[DiscountKey].Data().([]float64)
	wantDiscount := []float64{0.75, 0.75, 0.75, 0}
	for i := range wantDiscount {
		if math.Abs(wantDiscount[i]-discount[i]) > tolerance {
			t.Errorf("wrong discount at %v \n\twant(%v)\n\thave(%v)", i,
				wantDiscount[i], discount[i])
		}
	}

	// The continuation target is 1 - is_terminal
	cont := prep[ContKey].Data().([]float64)
	wantCont := []float64{1, 1, 1, 0}
	for i := range wantCont {
		if cont[i] != wantCont[i] {
			t.Errorf("wrong continuation flag at %v \n\twant(%v)"+
				"\n\thave(%v)", i, wantCont[i], cont[i])
		}
	}

	// Rewards pass through untouched
	reward := prep[RewardKey].Data().([]float64)
	wantReward := []float64{1, 2, 3, 4}
	for i := range wantReward {
		if reward[i] != wantReward[i] {
			t.Errorf("wrong reward at %v \n\twant(%v)\n\thave(%v)", i,
				wantReward[i], reward[i])
		}
	}

	// The input batch is not mutated
	original := data["image"].Data().([]float64)
	if original[1] != 51 {
		t.Errorf("input image was mutated \n\twant(%v)\n\thave(%v)", 51.0,
			original[1])
	}
	originalDiscount := data[DiscountKey].Data().([]float64)
	if originalDiscount[0] != 1 {
		t.Errorf("input discount was mutated \n\twant(%v)\n\thave(%v)",
			1.0, originalDiscount[0])
	}
	if _, ok := data[ContKey]; ok {
		t.Error("continuation flags were added to the input batch")
	}
}

func TestPreprocessMissingFlags(t *testing.T) {
	w, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("could not create model: %v", err)
	}

	noFirst := preprocessBatch()
	delete(noFirst, IsFirstKey)
	if _, err := w.Preprocess(noFirst); err == nil {
		t.Error("expected error for missing is_first")
	}

	noTerminal := preprocessBatch()
	delete(noTerminal, IsTerminalKey)
	if _, err := w.Preprocess(noTerminal); err == nil {
		t.Error("expected error for missing is_terminal")
	}
}
