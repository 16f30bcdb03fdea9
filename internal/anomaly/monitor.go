package anomaly

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-admission/internal/antifraud"
	"github.com/robertarktes/ticket-admission/internal/clock"
	"github.com/robertarktes/ticket-admission/internal/observability"
)

const KeyValidatorSuspicious = "validator.suspicious"

type ValidatorLister interface {
	ActiveValidators(ctx context.Context, since time.Time) ([]string, error)
}

type Evaluator interface {
	EvaluateAnomaly(ctx context.Context, validatorID string) (antifraud.Anomaly, error)
}

type Broker interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

type ReportSink interface {
	RecordAnomaly(ctx context.Context, a antifraud.Anomaly, at time.Time) error
}

// Monitor re-scores every recently active validator on a timer. Its output
// is advisory: nothing it does blocks a scan.
type Monitor struct {
	validators ValidatorLister
	evaluator  Evaluator
	broker     Broker
	reports    ReportSink
	clock      clock.Clock
	logger     observability.Logger
	window     time.Duration
	interval   time.Duration
}

func NewMonitor(validators ValidatorLister, evaluator Evaluator, broker Broker, reports ReportSink,
	clk clock.Clock, logger observability.Logger, window, interval time.Duration) *Monitor {
	return &Monitor{
		validators: validators,
		evaluator:  evaluator,
		broker:     broker,
		reports:    reports,
		clock:      clk,
		logger:     logger,
		window:     window,
		interval:   interval,
	}
}

func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flagged, err := m.Sweep(ctx)
			if err != nil {
				m.logger.WithError(err).Error("anomaly sweep failed")
				continue
			}
			if len(flagged) > 0 {
				m.logger.WithField("validators", len(flagged)).Info("suspicious validators reported")
			}
		}
	}
}

// Sweep evaluates each active validator once and reports the suspicious
// ones. A failure for one validator is logged and the sweep goes on.
func (m *Monitor) Sweep(ctx context.Context) ([]antifraud.Anomaly, error) {
	now := m.clock.Now()
	ids, err := m.validators.ActiveValidators(ctx, now.Add(-m.window))
	if err != nil {
		return nil, errors.Wrap(err, "list active validators")
	}

	var flagged []antifraud.Anomaly
	for _, id := range ids {
		log := m.logger.WithField("validator_id", id)

		a, err := m.evaluator.EvaluateAnomaly(ctx, id)
		if err != nil {
			log.WithError(err).Warn("anomaly evaluation failed")
			continue
		}
		if !a.Suspicious() {
			continue
		}
		flagged = append(flagged, a)
		log.WithField("flags", a.Flags).Warn("suspicious validator activity")

		if err := m.publish(ctx, a, now); err != nil {
			log.WithError(err).Error("publish anomaly failed")
		}
		if m.reports != nil {
			if err := m.reports.RecordAnomaly(ctx, a, now); err != nil {
				log.WithError(err).Error("record anomaly failed")
			}
		}
	}
	return flagged, nil
}

func (m *Monitor) publish(ctx context.Context, a antifraud.Anomaly, at time.Time) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return m.broker.Publish(ctx, KeyValidatorSuspicious, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   at,
		Type:        KeyValidatorSuspicious,
		Body:        body,
	})
}
