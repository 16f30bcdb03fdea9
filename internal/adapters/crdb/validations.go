package crdb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/ticket-admission/internal/antifraud"
	"github.com/robertarktes/ticket-admission/internal/domain"
	"github.com/robertarktes/ticket-admission/internal/ledger"
)

const logColumns = `id, scan_id, ticket_id, event_id, validator_id, validator_name, is_valid, result, code,
	location, device_info, ip_address, attempt_number, entry_sequence, duration_ms, error_details, validated_at`

func (r *Repository) AppendValidations(ctx context.Context, entries []domain.ValidationLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, e := range entries {
		var device []byte
		if e.DeviceInfo != nil {
			raw, err := json.Marshal(e.DeviceInfo)
			if err != nil {
				return errors.Wrap(err, "encode device info")
			}
			device = raw
		}
		b.Queue(`INSERT INTO validation_logs (`+logColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			e.ID, e.ScanID, e.TicketID, e.EventID, e.ValidatorID, e.ValidatorName, e.IsValid, string(e.Result), e.Code,
			e.Location, device, e.IPAddress, e.AttemptNumber, e.EntrySequence, e.Duration.Milliseconds(), e.ErrorDetails, e.ValidatedAt)
	}
	return r.q(ctx).SendBatch(ctx, b).Close()
}

func scanLog(row pgx.Row) (domain.ValidationLogEntry, error) {
	var (
		e          domain.ValidationLogEntry
		result     string
		device     []byte
		durationMS int64
	)
	err := row.Scan(&e.ID, &e.ScanID, &e.TicketID, &e.EventID, &e.ValidatorID, &e.ValidatorName, &e.IsValid, &result, &e.Code,
		&e.Location, &device, &e.IPAddress, &e.AttemptNumber, &e.EntrySequence, &durationMS, &e.ErrorDetails, &e.ValidatedAt)
	if err != nil {
		return domain.ValidationLogEntry{}, err
	}
	e.Result = domain.Outcome(result)
	e.Duration = time.Duration(durationMS) * time.Millisecond
	if len(device) > 0 {
		if err := json.Unmarshal(device, &e.DeviceInfo); err != nil {
			return domain.ValidationLogEntry{}, errors.Wrap(err, "decode device info")
		}
	}
	return e, nil
}

func (r *Repository) queryLogs(ctx context.Context, sql string, args ...any) ([]domain.ValidationLogEntry, error) {
	rows, err := r.q(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ValidationLogEntry
	for rows.Next() {
		e, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Repository) queryInt(ctx context.Context, sql string, args ...any) (int, error) {
	var n int
	err := r.q(ctx).QueryRow(ctx, sql, args...).Scan(&n)
	return n, err
}

func (r *Repository) CountAttempts(ctx context.Context, ticketID uuid.UUID) (int, error) {
	return r.queryInt(ctx, `SELECT count(*) FROM validation_logs WHERE ticket_id = $1`, ticketID)
}

func (r *Repository) CountSuccessful(ctx context.Context, ticketID uuid.UUID) (int, error) {
	return r.queryInt(ctx, `
		SELECT count(*) FROM validation_logs
		WHERE ticket_id = $1 AND is_valid AND result = 'success'
	`, ticketID)
}

func (r *Repository) LastSuccessful(ctx context.Context, ticketID uuid.UUID) (*domain.ValidationLogEntry, error) {
	return r.firstLog(ctx, `
		SELECT `+logColumns+` FROM validation_logs
		WHERE ticket_id = $1 AND is_valid AND result = 'success'
		ORDER BY validated_at DESC, entry_sequence DESC
		LIMIT 1
	`, ticketID)
}

func (r *Repository) firstLog(ctx context.Context, sql string, args ...any) (*domain.ValidationLogEntry, error) {
	entries, err := r.queryLogs(ctx, sql, args...)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

func (r *Repository) CountByResult(ctx context.Context, eventID uuid.UUID, since time.Time) (map[domain.Outcome]int, error) {
	sql := `SELECT result, count(*) FROM validation_logs WHERE event_id = $1`
	args := []any{eventID}
	if !since.IsZero() {
		sql += ` AND validated_at >= $2`
		args = append(args, since)
	}
	rows, err := r.q(ctx).Query(ctx, sql+` GROUP BY result`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[domain.Outcome]int{}
	for rows.Next() {
		var (
			result string
			n      int
		)
		if err := rows.Scan(&result, &n); err != nil {
			return nil, err
		}
		counts[domain.Outcome(result)] = n
	}
	return counts, rows.Err()
}

func (r *Repository) AttemptsForTicket(ctx context.Context, ticketID uuid.UUID, since time.Time) ([]domain.ValidationLogEntry, error) {
	return r.queryLogs(ctx, `
		SELECT `+logColumns+` FROM validation_logs
		WHERE ticket_id = $1 AND validated_at >= $2
		ORDER BY validated_at DESC, attempt_number DESC
	`, ticketID, since)
}

func (r *Repository) History(ctx context.Context, f ledger.HistoryFilter) ([]domain.ValidationLogEntry, int, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.EventID != nil {
		add("event_id = $%d", *f.EventID)
	}
	if f.Result != "" {
		add("result = $%d", string(f.Result))
	}
	if f.ValidatorID != "" {
		add("validator_id = $%d", f.ValidatorID)
	}
	if !f.From.IsZero() {
		add("validated_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("validated_at <= $%d", f.To)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	total, err := r.queryInt(ctx, `SELECT count(*) FROM validation_logs`+where, args...)
	if err != nil {
		return nil, 0, err
	}

	args = append(args, f.Limit, f.Offset())
	entries, err := r.queryLogs(ctx, fmt.Sprintf(`SELECT %s FROM validation_logs%s
		ORDER BY validated_at DESC, attempt_number DESC
		LIMIT $%d OFFSET $%d`, logColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (r *Repository) CountValidatorAttempts(ctx context.Context, validatorID string, since time.Time) (int, error) {
	return r.queryInt(ctx, `
		SELECT count(DISTINCT scan_id) FROM validation_logs
		WHERE validator_id = $1 AND validated_at >= $2
	`, validatorID, since)
}

func (r *Repository) CountCodeAttempts(ctx context.Context, code string, since time.Time) (int, error) {
	return r.queryInt(ctx, `
		SELECT count(DISTINCT scan_id) FROM validation_logs
		WHERE code = $1 AND validated_at >= $2
	`, code, since)
}

func (r *Repository) LastValidatorSuccess(ctx context.Context, validatorID, code string, since time.Time) (*domain.ValidationLogEntry, error) {
	return r.firstLog(ctx, `
		SELECT `+logColumns+` FROM validation_logs
		WHERE validator_id = $1 AND code = $2 AND is_valid AND result = 'success' AND validated_at >= $3
		ORDER BY validated_at DESC, entry_sequence DESC
		LIMIT 1
	`, validatorID, code, since)
}

func (r *Repository) ValidatorActivity(ctx context.Context, validatorID string, since time.Time) (antifraud.Activity, error) {
	var a antifraud.Activity
	err := r.q(ctx).QueryRow(ctx, `
		SELECT count(DISTINCT scan_id),
		       count(DISTINCT CASE WHEN NOT is_valid THEN scan_id END),
		       count(DISTINCT CASE WHEN result = 'invalid_qr' THEN code END)
		FROM validation_logs
		WHERE validator_id = $1 AND validated_at >= $2
	`, validatorID, since).Scan(&a.Attempts, &a.Failures, &a.DistinctInvalidCodes)
	return a, err
}

func (r *Repository) ActiveValidators(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT DISTINCT validator_id FROM validation_logs
		WHERE validated_at >= $1 AND validator_id <> ''
		ORDER BY validator_id
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
