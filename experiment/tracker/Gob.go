package tracker

import (
	"encoding/gob"
	"fmt"
	"os"
)

// gobTracker records one metric's time series in memory and saves it
// as a gob-encoded []float64. Steps on which the metric is absent are
// skipped.
type gobTracker struct {
	key      string
	filename string
	data     []float64
}

// NewGob returns a Tracker that records the metric stored under key
// and saves its time series to filename as a gob-encoded []float64.
func NewGob(key, filename string) Tracker {
	return &gobTracker{key: key, filename: filename}
}

// Track records the tracked metric from one training step
func (g *gobTracker) Track(step int, metrics map[string]float64) error {
	if value, ok := metrics[g.key]; ok {
		g.data = append(g.data, value)
	}
	return nil
}

// Save writes the recorded time series to the tracker's file
func (g *gobTracker) Save() error {
	file, err := os.Create(g.filename)
	if err != nil {
		return fmt.Errorf("save: could not create data file: %v", err)
	}
	defer file.Close()

	enc := gob.NewEncoder(file)
	if err := enc.Encode(g.data); err != nil {
		return fmt.Errorf("save: could not encode data: %v", err)
	}
	return nil
}

// LoadData loads and returns the data saved by a gob Tracker
func LoadData(filename string) ([]float64, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("loaddata: could not open data file: %v", err)
	}
	defer file.Close()

	dec := gob.NewDecoder(file)
	var data []float64
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("loaddata: could not decode data: %v", err)
	}
	return data, nil
}
