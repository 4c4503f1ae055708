package orschedule

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
)

var baseDurations = map[string]int{
	"CHOL": 90,
	"APPY": 60,
	"CABG": 240,
	"TKR":  120,
	"THR":  150,
	"CRAN": 180,
	"LAPA": 75,
}

const defaultBaseMinutes = 90

var anesthesiaFactors = map[string]float64{
	"general":  1.0,
	"regional": 0.95,
	"local":    0.85,
	"sedation": 0.9,
	"none":     0.8,
}

// RiskFactors describes the patient characteristics that lengthen a case.
type RiskFactors struct {
	Age                *int     `json:"age,omitempty"`
	BMI                *float64 `json:"bmi,omitempty"`
	ASAClass           *int     `json:"asa_class,omitempty"`
	Comorbidities      []string `json:"comorbidities,omitempty"`
	PreviousSurgeries  *int     `json:"previous_surgeries,omitempty"`
	PriorComplications bool     `json:"prior_complications,omitempty"`
}

type PredictionInput struct {
	ProcedureCode  string       `json:"procedure_code"`
	SurgeonID      uuid.UUID    `json:"surgeon_id"`
	RiskFactors    *RiskFactors `json:"risk_factors,omitempty"`
	AnesthesiaType string       `json:"anesthesia_type,omitempty"`
	EquipmentCount int          `json:"equipment_count,omitempty"`
}

type PredictionFactor struct {
	Name       string  `json:"name"`
	Multiplier float64 `json:"multiplier,omitempty"`
	AddMinutes int     `json:"add_minutes,omitempty"`
}

type DurationPrediction struct {
	EstimateMinutes           int                `json:"estimate_minutes"`
	ConfidenceIntervalMinutes int                `json:"confidence_interval_minutes"`
	ConfidenceLow             int                `json:"confidence_low"`
	ConfidenceHigh            int                `json:"confidence_high"`
	Confidence                float64            `json:"confidence"`
	BaseMinutes               int                `json:"base_minutes"`
	HistoricalMedian          *float64           `json:"historical_median,omitempty"`
	HistorySource             string             `json:"history_source"`
	SampleCount               int                `json:"sample_count"`
	Factors                   []PredictionFactor `json:"factors"`
}

// Predictor estimates case durations. It is deterministic for a fixed
// history: the same input always produces the same estimate.
type Predictor struct {
	history          HistorySource
	minSamples       int
	shrinkage        float64
	equipmentMinutes int
}

func NewPredictor(history HistorySource, minSamples int) *Predictor {
	if minSamples <= 0 {
		minSamples = 5
	}
	return &Predictor{
		history:          history,
		minSamples:       minSamples,
		shrinkage:        float64(minSamples),
		equipmentMinutes: 5,
	}
}

// procedureCategory maps a procedure code to its known category: the code
// itself or its longest known prefix (e.g. "TKR-L" is "TKR"). Unknown codes
// return "".
func procedureCategory(code string) string {
	c := strings.ToUpper(strings.TrimSpace(code))
	if _, ok := baseDurations[c]; ok {
		return c
	}
	best := ""
	for k := range baseDurations {
		if strings.HasPrefix(c, k) && (len(k) > len(best) || (len(k) == len(best) && k < best)) {
			best = k
		}
	}
	return best
}

// BaseMinutes returns the reference duration for a procedure code.
func BaseMinutes(code string) int {
	if m, ok := baseDurations[procedureCategory(code)]; ok {
		return m
	}
	return defaultBaseMinutes
}

func (p *Predictor) Predict(ctx context.Context, in PredictionInput) (*DurationPrediction, error) {
	if strings.TrimSpace(in.ProcedureCode) == "" {
		return nil, NewValidationError("procedure_code is required")
	}
	if in.EquipmentCount < 0 {
		return nil, NewValidationError("equipment_count must not be negative")
	}

	base := BaseMinutes(in.ProcedureCode)
	out := &DurationPrediction{BaseMinutes: base, HistorySource: "none"}

	var samples []DurationSample
	if p.history != nil {
		var err error
		samples, err = p.history.DurationHistory(ctx, in.ProcedureCode)
		if err != nil {
			return nil, fmt.Errorf("load duration history: %w", err)
		}
	}

	var surgeon []int
	all := make([]int, 0, len(samples))
	for _, s := range samples {
		all = append(all, s.Minutes)
		if s.SurgeonID == in.SurgeonID {
			surgeon = append(surgeon, s.Minutes)
		}
	}

	var used []int
	switch {
	case len(surgeon) >= p.minSamples:
		used, out.HistorySource = surgeon, "surgeon"
	case len(all) > 0:
		used, out.HistorySource = all, "procedure"
	}

	estimate := float64(base)
	if len(used) > 0 {
		med := median(used)
		n := float64(len(used))
		out.HistoricalMedian = &med
		out.SampleCount = len(used)
		estimate = (n*med + p.shrinkage*float64(base)) / (n + p.shrinkage)
	}

	complexity := 1.0
	addFactor := func(name string, delta float64) {
		complexity += delta
		out.Factors = append(out.Factors, PredictionFactor{Name: name, Multiplier: 1 + delta})
	}
	if rf := in.RiskFactors; rf != nil {
		if rf.Age != nil {
			switch {
			case *rf.Age > 80:
				addFactor("age_over_80", 0.15)
			case *rf.Age > 70:
				addFactor("age_over_70", 0.10)
			}
		}
		if rf.BMI != nil {
			switch {
			case *rf.BMI > 40:
				addFactor("bmi_over_40", 0.15)
			case *rf.BMI > 35:
				addFactor("bmi_over_35", 0.10)
			}
		}
		if rf.ASAClass != nil {
			switch {
			case *rf.ASAClass >= 4:
				addFactor("asa_class_4_plus", 0.20)
			case *rf.ASAClass >= 3:
				addFactor("asa_class_3", 0.10)
			}
		}
		if n := len(rf.Comorbidities); n > 0 {
			addFactor("comorbidities", 0.05*float64(n))
		}
		if rf.PreviousSurgeries != nil && *rf.PreviousSurgeries > 2 {
			addFactor("previous_surgeries", 0.10)
		}
		if rf.PriorComplications {
			addFactor("prior_complications", 0.10)
		}
	}
	estimate *= complexity

	if at := strings.ToLower(strings.TrimSpace(in.AnesthesiaType)); at != "" {
		if f, ok := anesthesiaFactors[at]; ok && f != 1.0 {
			estimate *= f
			out.Factors = append(out.Factors, PredictionFactor{Name: "anesthesia_" + at, Multiplier: f})
		}
	}

	if in.EquipmentCount > 0 {
		add := in.EquipmentCount * p.equipmentMinutes
		estimate += float64(add)
		out.Factors = append(out.Factors, PredictionFactor{Name: "equipment_setup", AddMinutes: add})
	}

	out.EstimateMinutes = roundUpTo(estimate, 5)

	width := 0.3
	switch {
	case out.SampleCount > 10:
		width = 0.15
	case out.SampleCount > 5:
		width = 0.2
	}
	out.ConfidenceIntervalMinutes = int(math.Round(float64(out.EstimateMinutes) * width))
	out.ConfidenceLow = out.EstimateMinutes - out.ConfidenceIntervalMinutes
	out.ConfidenceHigh = out.EstimateMinutes + out.ConfidenceIntervalMinutes
	out.Confidence = math.Min(0.95, 0.7+0.025*float64(out.SampleCount))
	return out, nil
}

func median(values []int) float64 {
	sorted := append([]int(nil), values...)
	sort.Ints(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return float64(sorted[n/2])
	}
	return float64(sorted[n/2-1]+sorted[n/2]) / 2
}

func roundUpTo(v float64, step int) int {
	n := int(math.Ceil(v - 1e-9))
	if r := n % step; r != 0 {
		n += step - r
	}
	return n
}

// PredictDuration estimates a hypothetical case.
func (e *Engine) PredictDuration(ctx context.Context, in PredictionInput) (_ *DurationPrediction, err error) {
	ctx, end := e.instrument(ctx, "PredictDuration")
	defer func() { end(err) }()
	return e.predictor.Predict(ctx, in)
}

// PredictCaseDuration estimates an existing case. Fields set on in override
// the case's own; uuid.Nil predicts in alone.
func (e *Engine) PredictCaseDuration(ctx context.Context, caseID uuid.UUID, in PredictionInput) (*DurationPrediction, error) {
	if caseID == uuid.Nil {
		return e.PredictDuration(ctx, in)
	}
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if in.ProcedureCode == "" {
		in.ProcedureCode = c.ProcedureCode
	}
	if in.SurgeonID == uuid.Nil {
		in.SurgeonID = c.SurgeonID
	}
	if in.AnesthesiaType == "" && c.AnesthesiaType != nil {
		in.AnesthesiaType = *c.AnesthesiaType
	}
	if in.EquipmentCount == 0 {
		in.EquipmentCount = len(c.EquipmentIDs)
	}
	return e.PredictDuration(ctx, in)
}
