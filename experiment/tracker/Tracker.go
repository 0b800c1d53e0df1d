// Package tracker implements Trackers, which record training metrics
// during an experiment and persist them once it has finished.
package tracker

// Tracker keeps track of experiment data and saves the data after the
// experiment has finished. Track is called once per training step with
// that step's metrics; Save is called once at the end.
type Tracker interface {
	Track(step int, metrics map[string]float64) error
	Save() error
}
