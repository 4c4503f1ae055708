package orschedule

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

var categoryCancellationRates = map[string]float64{
	"CHOL": 0.06,
	"APPY": 0.02,
	"CABG": 0.04,
	"TKR":  0.08,
	"THR":  0.08,
	"CRAN": 0.03,
	"LAPA": 0.06,
}

const (
	defaultCancellationRate = 0.05
	defaultLeadDays         = 14.0
	leadFactorFloor         = 0.02
	leadFactorPeak          = 0.08
	patientRateWeight       = 0.5
)

var priorityCancellationRisk = map[Priority]float64{
	PriorityRoutine: 0.03,
	PriorityUrgent:  0.01,
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

type CancellationFactor struct {
	Name         string  `json:"name"`
	Contribution float64 `json:"contribution"`
	Detail       string  `json:"detail"`
}

type CancellationRisk struct {
	CaseID          uuid.UUID            `json:"case_id"`
	RiskScore       float64              `json:"risk_score"`
	RiskLevel       RiskLevel            `json:"risk_level"`
	DaysUntilCase   float64              `json:"days_until_case"`
	Factors         []CancellationFactor `json:"factors"`
	Recommendations []string             `json:"recommendations"`
}

// PredictCancellation scores how likely a scheduled case is to cancel.
func (e *Engine) PredictCancellation(ctx context.Context, caseID uuid.UUID) (_ *CancellationRisk, err error) {
	ctx, end := e.instrument(ctx, "PredictCancellation")
	defer func() { end(err) }()

	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.Status.Terminal() {
		return nil, NewValidationError("case %s is already %s", caseID, c.Status)
	}
	if c.ScheduledStart == nil {
		return nil, NewValidationError("case %s has no scheduled start", caseID)
	}
	hist, err := e.store.PatientHistory(ctx, c.PatientID)
	if err != nil {
		return nil, fmt.Errorf("load patient history: %w", err)
	}
	leads, err := e.store.CancellationLeadDays(ctx)
	if err != nil {
		return nil, fmt.Errorf("load cancellation lead times: %w", err)
	}
	days := daysUntil(e.now(), *c.ScheduledStart)
	return scoreCancellation(c, days, hist, leads), nil
}

// scoreCancellation is the pure scoring model. The lead-time factor peaks at
// the average lead time of past cancellations and falls off linearly.
func scoreCancellation(c *SurgicalCase, days float64, hist *PatientHistory, leads []float64) *CancellationRisk {
	if days < 0 {
		days = 0
	}
	out := &CancellationRisk{CaseID: c.ID, DaysUntilCase: math.Round(days*10) / 10}
	add := func(name string, v float64, detail string) {
		out.RiskScore += v
		out.Factors = append(out.Factors, CancellationFactor{Name: name, Contribution: round4(v), Detail: detail})
	}

	category := procedureCategory(c.ProcedureCode)
	base, ok := categoryCancellationRates[category]
	if !ok {
		base, category = defaultCancellationRate, "default"
	}
	add("procedure_category", base, "base rate for "+category)

	lead := defaultLeadDays
	if len(leads) > 0 {
		var sum float64
		for _, l := range leads {
			sum += l
		}
		if avg := sum / float64(len(leads)); avg > 0 {
			lead = avg
		}
	}
	closeness := math.Max(0, 1-math.Abs(days-lead)/lead)
	add("lead_time", leadFactorFloor+leadFactorPeak*closeness,
		fmt.Sprintf("%.1f days out; cancellations cluster %.1f days before surgery", days, lead))

	var patientRate float64
	if hist != nil && hist.TotalCases > 0 {
		patientRate = float64(hist.CancelledCases) / float64(hist.TotalCases)
		add("patient_history", patientRate*patientRateWeight,
			fmt.Sprintf("%d of %d past cases cancelled", hist.CancelledCases, hist.TotalCases))
	}

	if v, ok := priorityCancellationRisk[c.Priority]; ok {
		add("elective_priority", v, string(c.Priority)+" case")
	}

	out.RiskScore = round4(math.Min(1, math.Max(0, out.RiskScore)))
	switch {
	case out.RiskScore > 0.15:
		out.RiskLevel = RiskHigh
	case out.RiskScore > 0.08:
		out.RiskLevel = RiskMedium
	default:
		out.RiskLevel = RiskLow
	}

	out.Recommendations = []string{}
	if days > 7 {
		out.Recommendations = append(out.Recommendations, "call the patient to confirm the surgery date")
	}
	if out.RiskLevel != RiskLow {
		out.Recommendations = append(out.Recommendations, "send a pre-operative reminder 48 hours before the case")
	}
	if out.RiskLevel == RiskHigh {
		out.Recommendations = append(out.Recommendations, "consider overbooking the slot or keeping a standby case")
	}
	if patientRate > 0.2 {
		out.Recommendations = append(out.Recommendations, "review barriers with the patient; history of frequent cancellations")
	}
	return out
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// daysUntil is the fractional number of days from now to t.
func daysUntil(now, t time.Time) float64 {
	return t.Sub(now).Hours() / 24
}
