// Package catalog holds the built-in plant catalog and the demo anomaly scenarios.
package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/factorywatch/internal/pipeline"
)

//go:embed seed.yaml
var seedYAML []byte

// Default returns the built-in catalog: machines, thresholds, technicians,
// parts and the employee directory.
func Default() (*pipeline.Catalog, error) {
	var cat pipeline.Catalog
	if err := yaml.Unmarshal(seedYAML, &cat); err != nil {
		return nil, fmt.Errorf("parse seed catalog: %w", err)
	}
	return &cat, nil
}

// WithThresholds returns cat with its thresholds replaced when th is non-empty.
func WithThresholds(cat *pipeline.Catalog, th []pipeline.Threshold) *pipeline.Catalog {
	if len(th) == 0 {
		return cat
	}
	c := *cat
	c.Thresholds = th
	return &c
}

// Scenario is a canned sensor snapshot used to demo the pipeline.
type Scenario struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	Values ScenarioData `json:"values"`
}

// ScenarioData holds the sensor values a scenario injects.
type ScenarioData struct {
	VibRMSHorizontal float64 `json:"vib_rms_horizontal"`
	VibRMSVertical   float64 `json:"vib_rms_vertical"`
	VibPeakAccel     float64 `json:"vib_peak_accel"`
	BearingTemp      float64 `json:"bearing_temp"`
	Pressure         float64 `json:"pressure"`
	StatusFlag       string  `json:"status_flag"`
}

var scenarios = map[string]Scenario{
	"bearing_wear": {ID: "bearing_wear", Name: "Bearing Wear (Critical)", Values: ScenarioData{
		VibRMSHorizontal: 4.5, VibRMSVertical: 3.8, VibPeakAccel: 1.2, BearingTemp: 88, Pressure: 8.5, StatusFlag: "CRITICAL",
	}},
	"overheat": {ID: "overheat", Name: "Overheating (Warning)", Values: ScenarioData{
		VibRMSHorizontal: 0.6, VibRMSVertical: 0.5, VibPeakAccel: 0.15, BearingTemp: 78, Pressure: 8.2, StatusFlag: "WARNING",
	}},
	"vibration_spike": {ID: "vibration_spike", Name: "Vibration Spike (Warning)", Values: ScenarioData{
		VibRMSHorizontal: 3.2, VibRMSVertical: 2.8, VibPeakAccel: 0.8, BearingTemp: 65, Pressure: 8.4, StatusFlag: "WARNING",
	}},
	"pressure_critical": {ID: "pressure_critical", Name: "Pressure Critical", Values: ScenarioData{
		VibRMSHorizontal: 0.5, VibRMSVertical: 0.4, VibPeakAccel: 0.12, BearingTemp: 63, Pressure: 11.5, StatusFlag: "CRITICAL",
	}},
	"combined_failure": {ID: "combined_failure", Name: "Combined Failure (Critical)", Values: ScenarioData{
		VibRMSHorizontal: 5.2, VibRMSVertical: 4.5, VibPeakAccel: 1.5, BearingTemp: 92, Pressure: 11.8, StatusFlag: "CRITICAL",
	}},
}

// Scenarios lists the available scenarios sorted by id.
func Scenarios() []Scenario {
	out := make([]Scenario, 0, len(scenarios))
	for _, s := range scenarios {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ScenarioIDs lists the scenario ids sorted.
func ScenarioIDs() []string {
	var ids []string
	for _, s := range Scenarios() {
		ids = append(ids, s.ID)
	}
	return ids
}

// Lookup returns the scenario with the given id.
func Lookup(id string) (Scenario, bool) {
	s, ok := scenarios[id]
	return s, ok
}

// Reading builds a sensor reading for machineID from the scenario values.
// The caller assigns the id.
func (s Scenario) Reading(machineID string, at time.Time) pipeline.Reading {
	p := s.Values.Pressure
	return pipeline.Reading{
		MachineID:        machineID,
		Timestamp:        at.UTC(),
		VibRMSHorizontal: s.Values.VibRMSHorizontal,
		VibRMSVertical:   s.Values.VibRMSVertical,
		VibPeakAccel:     s.Values.VibPeakAccel,
		BearingTemp:      s.Values.BearingTemp,
		Pressure:         &p,
		StatusFlag:       s.Values.StatusFlag,
	}
}

// ReadingInserter stores sensor readings.
type ReadingInserter interface {
	InsertReading(ctx context.Context, r *pipeline.Reading) error
}

// Inject stores a reading for machineID built from the named scenario and
// returns it with its new id.
func Inject(ctx context.Context, store ReadingInserter, scenarioID, machineID string, at time.Time) (*pipeline.Reading, error) {
	sc, ok := Lookup(scenarioID)
	if !ok {
		return nil, fmt.Errorf("unknown scenario %q (available: %v)", scenarioID, ScenarioIDs())
	}
	if machineID == "" {
		return nil, fmt.Errorf("machine id is required")
	}
	r := sc.Reading(machineID, at)
	r.ID = uuid.NewString()
	if err := store.InsertReading(ctx, &r); err != nil {
		return nil, fmt.Errorf("insert reading: %w", err)
	}
	return &r, nil
}
