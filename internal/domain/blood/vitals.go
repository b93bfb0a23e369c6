package blood

import (
	"fmt"
	"strconv"
	"strings"
)

// Range is an inclusive bound on a measurement.
type Range struct {
	Min, Max float64
	Unit     string
}

func (r Range) Contains(v float64) bool { return v >= r.Min && v <= r.Max }

// Accepted screening ranges.
var (
	HemoglobinRange  = Range{10, 20, "g/dL"}
	WeightRange      = Range{40, 150, "kg"}
	PulseRange       = Range{50, 120, "bpm"}
	TemperatureRange = Range{35, 38, "°C"}
	SystolicRange    = Range{70, 250, "mmHg"}
	DiastolicRange   = Range{40, 150, "mmHg"}
)

// CheckRange returns a descriptive error when v falls outside r.
func CheckRange(name string, v float64, r Range) error {
	if !r.Contains(v) {
		return fmt.Errorf("%s %g outside %g-%g %s", name, v, r.Min, r.Max, r.Unit)
	}
	return nil
}

// BloodPressure is a systolic/diastolic reading in mmHg.
type BloodPressure struct {
	Systolic  int
	Diastolic int
}

func (bp BloodPressure) String() string {
	return fmt.Sprintf("%d/%d", bp.Systolic, bp.Diastolic)
}

// ParseBloodPressure parses "120/80" and checks both values and their order.
func ParseBloodPressure(s string) (BloodPressure, error) {
	sys, dia, found := strings.Cut(strings.TrimSpace(s), "/")
	if !found {
		return BloodPressure{}, fmt.Errorf("blood pressure %q must look like 120/80", s)
	}
	var bp BloodPressure
	var err error
	if bp.Systolic, err = strconv.Atoi(strings.TrimSpace(sys)); err != nil {
		return BloodPressure{}, fmt.Errorf("blood pressure %q: bad systolic value", s)
	}
	if bp.Diastolic, err = strconv.Atoi(strings.TrimSpace(dia)); err != nil {
		return BloodPressure{}, fmt.Errorf("blood pressure %q: bad diastolic value", s)
	}
	if err := CheckRange("systolic pressure", float64(bp.Systolic), SystolicRange); err != nil {
		return BloodPressure{}, err
	}
	if err := CheckRange("diastolic pressure", float64(bp.Diastolic), DiastolicRange); err != nil {
		return BloodPressure{}, err
	}
	if bp.Systolic <= bp.Diastolic {
		return BloodPressure{}, fmt.Errorf("blood pressure %q: systolic must exceed diastolic", s)
	}
	return bp, nil
}
