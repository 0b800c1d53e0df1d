package behavior

import (
	"math"
	"testing"

	"golang.org/x/exp/rand"
)

const tolerance = 1e-8

func TestNewRewardEMAValidatesAlpha(t *testing.T) {
	for _, alpha := range []float64{0, -0.1, 1.5} {
		if _, err := NewRewardEMA(alpha); err == nil {
			t.Errorf("expected error for alpha %v", alpha)
		}
	}
	if _, err := NewRewardEMA(0.05); err != nil {
		t.Errorf("valid alpha rejected: %v", err)
	}
}

func TestRewardEMAScaleFloor(t *testing.T) {
	ema, err := NewRewardEMA(0.1)
	if err != nil {
		t.Fatalf("could not create normalizer: %v", err)
	}

	// Constant returns span zero range, so the scale floors at 1 and
	// the offset is the constant itself.
	returns := make([]float64, 20)
	for i := range returns {
		returns[i] = 3.25
	}

	offset, invScale, err := ema.Update(returns)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if math.Abs(offset-3.25) > tolerance {
		t.Errorf("invalid offset \n\twant(%v)\n\thave(%v)", 3.25, offset)
	}
	if math.Abs(invScale-1) > tolerance {
		t.Errorf("scale should floor at 1 \n\twant(%v)\n\thave(%v)", 1.0,
			invScale)
	}
}

func TestRewardEMAShiftMovesOffsetOnly(t *testing.T) {
	update := func(shift float64) (offset, invScale float64) {
		ema, err := NewRewardEMA(0.1)
		if err != nil {
			t.Fatalf("could not create normalizer: %v", err)
		}
		rng := rand.New(rand.NewSource(11))
		returns := make([]float64, 100)
		for i := range returns {
			returns[i] = rng.NormFloat64() + shift
		}
		offset, invScale, err = ema.Update(returns)
		if err != nil {
			t.Fatalf("update failed: %v", err)
		}
		return offset, invScale
	}

	offset0, invScale0 := update(0)
	offset5, invScale5 := update(5)

	if math.Abs((offset5-offset0)-5) > tolerance {
		t.Errorf("shifting returns by 5 should shift the offset by 5"+
			" \n\twant(%v)\n\thave(%v)", offset0+5, offset5)
	}
	if math.Abs(invScale5-invScale0) > tolerance {
		t.Errorf("shifting returns should not change the scale"+
			" \n\twant(%v)\n\thave(%v)", invScale0, invScale5)
	}
}

func TestRewardEMAFirstCallSeeds(t *testing.T) {
	ema, err := NewRewardEMA(0.01)
	if err != nil {
		t.Fatalf("could not create normalizer: %v", err)
	}

	// With a tiny alpha, a seeded estimate would barely move from its
	// initial value. The first call must adopt the batch quantiles
	// directly rather than blend them with zero.
	returns := make([]float64, 100)
	for i := range returns {
		returns[i] = 100 + float64(i)
	}
	offset, _, err := ema.Update(returns)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if offset < 100 {
		t.Errorf("first call should seed the quantile estimates"+
			" \n\thave(offset %v)", offset)
	}

	low, high := ema.Values()
	if low >= high {
		t.Errorf("quantile estimates are inverted \n\thave(%v, %v)", low,
			high)
	}
}

func TestRewardEMAConverges(t *testing.T) {
	ema, err := NewRewardEMA(0.2)
	if err != nil {
		t.Fatalf("could not create normalizer: %v", err)
	}

	// Repeated batches from the same distribution: the estimates must
	// approach the stationary quantiles.
	rng := rand.New(rand.NewSource(5))
	var low, high float64
	for i := 0; i < 200; i++ {
		returns := make([]float64, 500)
		for j := range returns {
			returns[j] = rng.Float64() * 10 // uniform on [0, 10)
		}
		if _, _, err := ema.Update(returns); err != nil {
			t.Fatalf("update failed: %v", err)
		}
		low, high = ema.Values()
	}

	// 5% and 95% quantiles of U[0, 10) are 0.5 and 9.5
	if math.Abs(low-0.5) > 0.2 {
		t.Errorf("low quantile estimate did not converge \n\twant(≈%v)"+
			"\n\thave(%v)", 0.5, low)
	}
	if math.Abs(high-9.5) > 0.2 {
		t.Errorf("high quantile estimate did not converge \n\twant(≈%v)"+
			"\n\thave(%v)", 9.5, high)
	}
}
