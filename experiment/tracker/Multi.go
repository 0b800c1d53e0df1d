package tracker

import "fmt"

// multi fans every Track and Save call out to a list of Trackers
type multi struct {
	trackers []Tracker
}

// NewMulti returns a Tracker that forwards to all given Trackers
func NewMulti(trackers ...Tracker) Tracker {
	return &multi{trackers: trackers}
}

// Track forwards the metrics of one training step to every tracker
func (m *multi) Track(step int, metrics map[string]float64) error {
	for i, t := range m.trackers {
		if err := t.Track(step, metrics); err != nil {
			return fmt.Errorf("track: tracker %v: %v", i, err)
		}
	}
	return nil
}

// Save saves every tracker's data
func (m *multi) Save() error {
	for i, t := range m.trackers {
		if err := t.Save(); err != nil {
			return fmt.Errorf("save: tracker %v: %v", i, err)
		}
	}
	return nil
}
