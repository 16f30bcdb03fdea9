package antifraud

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-admission/internal/admission"
	"github.com/robertarktes/ticket-admission/internal/clock"
	"github.com/robertarktes/ticket-admission/internal/domain"
	"github.com/robertarktes/ticket-admission/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// AttemptReader counts logged attempts. An attempt is one scan, however many
// rows it wrote.
type AttemptReader interface {
	CountValidatorAttempts(ctx context.Context, validatorID string, since time.Time) (int, error)
	CountCodeAttempts(ctx context.Context, code string, since time.Time) (int, error)
	LastValidatorSuccess(ctx context.Context, validatorID, code string, since time.Time) (*domain.ValidationLogEntry, error)
	ValidatorActivity(ctx context.Context, validatorID string, since time.Time) (Activity, error)
}

type Activity struct {
	Attempts             int
	Failures             int
	DistinctInvalidCodes int
}

type Admitter interface {
	Admit(ctx context.Context, req admission.Request) (admission.Result, error)
	Reject(ctx context.Context, req admission.Request, outcome domain.Outcome, message string, ticket *domain.Ticket) (admission.Result, error)
	Inspect(ctx context.Context, code string) (admission.Inspection, error)
}

type Guard struct {
	engine   Admitter
	attempts AttemptReader
	clock    clock.Clock
	cfg      Config
	logger   observability.Logger
	tracer   trace.Tracer
}

func NewGuard(engine Admitter, attempts AttemptReader, clk clock.Clock, cfg Config, logger observability.Logger) *Guard {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Guard{
		engine:   engine,
		attempts: attempts,
		clock:    clk,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		tracer:   otel.Tracer("antifraud"),
	}
}

// Admit runs the limiters and, when none blocks, hands the scan to the
// engine. Anomaly flags ride along on whatever result comes back.
func (g *Guard) Admit(ctx context.Context, req admission.Request) (admission.Result, error) {
	ctx, span := g.tracer.Start(ctx, "antifraud.Admit")
	defer span.End()

	if req.ScanID == uuid.Nil {
		req.ScanID = uuid.New()
	}
	if admission.Precheck(req) != nil {
		return g.engine.Admit(ctx, req)
	}

	now := g.clock.Now()
	code := domain.TruncateCode(req.Code)
	log := g.logger.WithFields(map[string]interface{}{
		"scan_id":      req.ScanID,
		"validator_id": req.Validator.ID,
	})

	var (
		validatorAttempts int
		codeAttempts      int
		ticket            *domain.Ticket
		duplicate         *domain.ValidationLogEntry
		anomaly           Anomaly
	)

	cctx, cancel := context.WithTimeout(ctx, g.cfg.CheckTimeout)
	defer cancel()
	eg, gctx := errgroup.WithContext(cctx)
	eg.Go(g.check(log, "validator_rate", !g.cfg.FailClosed, func() error {
		n, err := g.attempts.CountValidatorAttempts(gctx, req.Validator.ID, now.Add(-g.cfg.ValidatorWindow))
		validatorAttempts = n
		return err
	}))
	eg.Go(g.check(log, "code_rate", !g.cfg.FailClosed, func() error {
		n, err := g.attempts.CountCodeAttempts(gctx, code, now.Add(-g.cfg.CodeWindow))
		codeAttempts = n
		return err
	}))
	eg.Go(g.check(log, "duplicate", !g.cfg.FailClosed, func() error {
		ins, err := g.engine.Inspect(gctx, req.Code)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		ticket = &ins.Ticket
		// group tickets with entries left are scanned repeatedly on purpose
		if ins.Ticket.Entries() > 1 && ins.Consumption.Remaining > 0 {
			return nil
		}
		duplicate, err = g.attempts.LastValidatorSuccess(gctx, req.Validator.ID, code, now.Add(-g.cfg.DuplicateWindow))
		return err
	}))
	eg.Go(g.check(log, "anomaly", true, func() error {
		a, err := g.evaluate(gctx, req.Validator.ID, now)
		anomaly = a
		return err
	}))
	if err := eg.Wait(); err != nil {
		span.RecordError(err)
		observability.AdmissionOutcomes.WithLabelValues(string(domain.OutcomeServerError)).Inc()
		return admission.Result{
			ScanID:    req.ScanID,
			Outcome:   domain.OutcomeServerError,
			Message:   "validation temporarily unavailable, please retry",
			Requested: req.EntryCount,
		}, domain.StorageFault(err, "anti-fraud checks")
	}

	if anomaly.Suspicious() {
		log.WithField("flags", anomaly.Flags).Warn("suspicious validator activity")
		span.SetAttributes(attribute.StringSlice("antifraud.flags", anomaly.Flags))
	}

	var (
		res admission.Result
		err error
	)
	switch {
	case validatorAttempts >= g.cfg.ValidatorLimit:
		res, err = g.engine.Reject(ctx, req, domain.OutcomeRateLimited,
			fmt.Sprintf("too many scans from this validator, retry in %s", g.cfg.ValidatorWindow), ticket)
		if err == nil {
			res.RetryAfter = g.cfg.ValidatorWindow
		}
	case codeAttempts >= g.cfg.CodeLimit:
		res, err = g.engine.Reject(ctx, req, domain.OutcomeQRBlocked,
			fmt.Sprintf("too many scans of this code, retry in %s", g.cfg.CodeWindow), ticket)
		if err == nil {
			res.RetryAfter = g.cfg.CodeWindow
		}
	case duplicate != nil:
		res, err = g.engine.Reject(ctx, req, domain.OutcomeDuplicateValidation,
			fmt.Sprintf("already validated by this device at %s", duplicate.ValidatedAt.Format(time.RFC3339)), ticket)
		if err == nil {
			res.LastSuccess = duplicate
		}
	default:
		res, err = g.engine.Admit(ctx, req)
	}
	res.Flags = anomaly.Flags
	return res, err
}

// check wraps a limiter read. Failures are counted and, when failOpen is
// set, logged and dropped so the remaining checks still decide.
func (g *Guard) check(log observability.Logger, name string, failOpen bool, fn func() error) func() error {
	return func() error {
		err := fn()
		if err == nil {
			return nil
		}
		observability.LimiterFailures.WithLabelValues(name).Inc()
		if failOpen {
			log.WithError(err).WithField("check", name).Warn("anti-fraud check failed, letting scan through")
			return nil
		}
		return errors.Wrapf(err, "%s check", name)
	}
}
