package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-admission/internal/antifraud"
	"github.com/robertarktes/ticket-admission/internal/domain"
	"github.com/robertarktes/ticket-admission/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// AuditLogger mirrors committed validation rows and anomaly reports into
// MongoDB for offline analysis. CockroachDB stays the source of truth.
type AuditLogger struct {
	validations *mongo.Collection
	anomalies   *mongo.Collection
	logger      observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		validations: db.Collection("validation_audit"),
		anomalies:   db.Collection("anomaly_reports"),
		logger:      logger,
	}
}

type ValidationDoc struct {
	ID            string    `bson:"_id"`
	ScanID        string    `bson:"scan_id"`
	TicketID      string    `bson:"ticket_id,omitempty"`
	EventID       string    `bson:"event_id,omitempty"`
	ValidatorID   string    `bson:"validator_id"`
	ValidatorName string    `bson:"validator_name"`
	IsValid       bool      `bson:"is_valid"`
	Result        string    `bson:"result"`
	Code          string    `bson:"code"`
	Location      string    `bson:"location,omitempty"`
	DeviceInfo    bson.M    `bson:"device_info,omitempty"`
	IPAddress     string    `bson:"ip_address,omitempty"`
	AttemptNumber int       `bson:"attempt_number"`
	EntrySequence int       `bson:"entry_sequence"`
	DurationMS    int64     `bson:"duration_ms"`
	ErrorDetails  string    `bson:"error_details,omitempty"`
	ValidatedAt   time.Time `bson:"validated_at"`
}

func validationDoc(e domain.ValidationLogEntry) ValidationDoc {
	doc := ValidationDoc{
		ID:            e.ID.String(),
		ScanID:        e.ScanID.String(),
		ValidatorID:   e.ValidatorID,
		ValidatorName: e.ValidatorName,
		IsValid:       e.IsValid,
		Result:        string(e.Result),
		Code:          e.Code,
		Location:      e.Location,
		IPAddress:     e.IPAddress,
		AttemptNumber: e.AttemptNumber,
		EntrySequence: e.EntrySequence,
		DurationMS:    e.Duration.Milliseconds(),
		ErrorDetails:  e.ErrorDetails,
		ValidatedAt:   e.ValidatedAt,
	}
	if e.TicketID != nil {
		doc.TicketID = e.TicketID.String()
	}
	if e.EventID != nil {
		doc.EventID = e.EventID.String()
	}
	if e.DeviceInfo != nil {
		doc.DeviceInfo = bson.M(e.DeviceInfo)
	}
	return doc
}

// RecordValidations inserts the rows of one scan. Row IDs are the document
// IDs, so a replayed mirror of the same rows only reports duplicates.
func (a *AuditLogger) RecordValidations(ctx context.Context, entries []domain.ValidationLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	docs := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		docs = append(docs, validationDoc(e))
	}
	_, err := a.validations.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		a.logger.WithError(err).WithField("scan_id", entries[0].ScanID).Error("failed to insert validation audit")
		return err
	}
	return nil
}

type AnomalyDoc struct {
	ID                   string    `bson:"_id"`
	ValidatorID          string    `bson:"validator_id"`
	Since                time.Time `bson:"since"`
	Attempts             int       `bson:"attempts"`
	Failures             int       `bson:"failures"`
	FailureRate          float64   `bson:"failure_rate"`
	DistinctInvalidCodes int       `bson:"distinct_invalid_codes"`
	Flags                []string  `bson:"flags"`
	ReportedAt           time.Time `bson:"reported_at"`
}

func (a *AuditLogger) RecordAnomaly(ctx context.Context, an antifraud.Anomaly, at time.Time) error {
	doc := AnomalyDoc{
		ID:                   uuid.NewString(),
		ValidatorID:          an.ValidatorID,
		Since:                an.Since,
		Attempts:             an.Attempts,
		Failures:             an.Failures,
		FailureRate:          an.FailureRate,
		DistinctInvalidCodes: an.DistinctInvalidCodes,
		Flags:                an.Flags,
		ReportedAt:           at,
	}
	if _, err := a.anomalies.InsertOne(ctx, doc); err != nil {
		a.logger.WithError(err).WithField("validator_id", an.ValidatorID).Error("failed to insert anomaly report")
		return err
	}
	return nil
}

// Anomalies lists reports for a validator, newest first.
func (a *AuditLogger) Anomalies(ctx context.Context, validatorID string, limit int64) ([]AnomalyDoc, error) {
	cur, err := a.anomalies.Find(ctx, bson.M{"validator_id": validatorID},
		options.Find().SetSort(bson.D{{Key: "reported_at", Value: -1}}).SetLimit(limit))
	if err != nil {
		return nil, err
	}
	var docs []AnomalyDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}
