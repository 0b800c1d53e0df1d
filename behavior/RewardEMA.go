package behavior

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Quantile positions tracked by the return normalizer
const (
	lowQuantile  = 0.05
	highQuantile = 0.95
)

// RewardEMA normalizes batches of return estimates by exponential
// moving estimates of their low and high quantiles. Quantiles make the
// normalizer robust to the outlier returns that imagined rollouts
// produce early in training, and the moving average keeps the actor
// loss scale stable between batches.
//
// All fields are exported so that checkpoints restore the normalizer
// exactly; callers should treat them as read only.
type RewardEMA struct {
	Alpha     float64
	LowValue  float64
	HighValue float64
	Calls     int
}

// NewRewardEMA returns a new normalizer with smoothing rate alpha.
func NewRewardEMA(alpha float64) (*RewardEMA, error) {
	if alpha <= 0 || alpha > 1 {
		return nil, fmt.Errorf("newrewardema: alpha must be in (0, 1]"+
			" \n\thave(%v)", alpha)
	}
	return &RewardEMA{Alpha: alpha}, nil
}

// Update folds a batch of return estimates into the quantile estimates
// and returns the offset and inverse scale that normalize them:
// normalized = (x - offset) * invScale. The scale is floored at 1, so
// returns already spanning less than a unit range pass through with
// only the offset applied. The first call seeds the estimates with the
// batch quantiles directly.
func (e *RewardEMA) Update(returns []float64) (offset,
	invScale float64, err error) {
	if len(returns) == 0 {
		return 0, 0, fmt.Errorf("update: no return estimates")
	}

	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	low := stat.Quantile(lowQuantile, stat.LinInterp, sorted, nil)
	high := stat.Quantile(highQuantile, stat.LinInterp, sorted, nil)

	if e.Calls == 0 {
		e.LowValue = low
		e.HighValue = high
	} else {
		e.LowValue = e.Alpha*low + (1-e.Alpha)*e.LowValue
		e.HighValue = e.Alpha*high + (1-e.Alpha)*e.HighValue
	}
	e.Calls++

	scale := e.HighValue - e.LowValue
	if scale < 1 {
		scale = 1
	}
	return e.LowValue, 1 / scale, nil
}

// Values returns the current low and high quantile estimates.
func (e *RewardEMA) Values() (low, high float64) {
	return e.LowValue, e.HighValue
}
