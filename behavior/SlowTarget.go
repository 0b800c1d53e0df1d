package behavior

import "fmt"

// slowUpdater schedules exponential moving updates of slow target
// networks. Every Every-th call the slow weights are blended toward
// the online weights: slow = Mix*online + (1-Mix)*slow.
//
// Fields are exported so that checkpoints restore the call counter.
type slowUpdater struct {
	Every int
	Mix   float64
	Calls int
}

// newSlowUpdater returns a new update schedule.
func newSlowUpdater(every int, mix float64) (*slowUpdater, error) {
	if every < 1 {
		return nil, fmt.Errorf("newslowupdater: update period must be at "+
			"least 1 \n\thave(%v)", every)
	}
	if mix <= 0 || mix > 1 {
		return nil, fmt.Errorf("newslowupdater: mix must be in (0, 1]"+
			" \n\thave(%v)", mix)
	}
	return &slowUpdater{Every: every, Mix: mix}, nil
}

// tick reports whether the slow targets should be blended on this call
// and advances the counter.
func (u *slowUpdater) tick() bool {
	update := u.Calls%u.Every == 0
	u.Calls++
	return update
}
