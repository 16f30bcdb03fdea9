package antifraud

import (
	"context"
	"math"
	"time"

	"github.com/robertarktes/ticket-admission/internal/domain"
	"github.com/robertarktes/ticket-admission/internal/observability"
)

const (
	FlagHighFailureRate     = "high-failure-rate"
	FlagMassInvalidScanning = "mass-invalid-scanning"
)

// Anomaly summarises one validator's recent activity. Flags are advisory.
type Anomaly struct {
	ValidatorID          string    `json:"validatorId"`
	Since                time.Time `json:"since"`
	Attempts             int       `json:"attempts"`
	Failures             int       `json:"failures"`
	FailureRate          float64   `json:"failureRate"`
	DistinctInvalidCodes int       `json:"distinctInvalidCodes"`
	Flags                []string  `json:"flags,omitempty"`
}

func (a Anomaly) Suspicious() bool {
	return len(a.Flags) > 0
}

// EvaluateAnomaly reads a validator's activity over the anomaly window.
func (g *Guard) EvaluateAnomaly(ctx context.Context, validatorID string) (Anomaly, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.CheckTimeout)
	defer cancel()
	a, err := g.evaluate(ctx, validatorID, g.clock.Now())
	if err != nil {
		return Anomaly{}, domain.StorageFault(err, "read validator activity")
	}
	return a, nil
}

func (g *Guard) evaluate(ctx context.Context, validatorID string, now time.Time) (Anomaly, error) {
	since := now.Add(-g.cfg.AnomalyWindow)
	act, err := g.attempts.ValidatorActivity(ctx, validatorID, since)
	if err != nil {
		return Anomaly{}, err
	}
	a := Score(g.cfg, validatorID, act)
	a.Since = since
	for _, f := range a.Flags {
		observability.AnomalyFlags.WithLabelValues(f).Inc()
	}
	return a, nil
}

// Score applies the anomaly thresholds to an activity summary.
func Score(cfg Config, validatorID string, act Activity) Anomaly {
	cfg = cfg.withDefaults()
	a := Anomaly{
		ValidatorID:          validatorID,
		Attempts:             act.Attempts,
		Failures:             act.Failures,
		DistinctInvalidCodes: act.DistinctInvalidCodes,
	}
	if act.Attempts > 0 {
		a.FailureRate = math.Round(float64(act.Failures)/float64(act.Attempts)*100) / 100
	}
	if act.Attempts >= cfg.AnomalyMinAttempts && float64(act.Failures) >= cfg.AnomalyFailureRatio*float64(act.Attempts) {
		a.Flags = append(a.Flags, FlagHighFailureRate)
	}
	if act.DistinctInvalidCodes >= cfg.AnomalyInvalidCodes {
		a.Flags = append(a.Flags, FlagMassInvalidScanning)
	}
	return a
}
