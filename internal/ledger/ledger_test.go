package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-admission/internal/adapters/memory"
	"github.com/robertarktes/ticket-admission/internal/clock"
	"github.com/robertarktes/ticket-admission/internal/domain"
	"github.com/robertarktes/ticket-admission/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 5, 10, 23, 0, 0, 0, time.UTC)

func row(ticketID, eventID uuid.UUID, result domain.Outcome, at time.Time, validator string) domain.ValidationLogEntry {
	return domain.ValidationLogEntry{
		ID:          uuid.New(),
		ScanID:      uuid.New(),
		TicketID:    &ticketID,
		EventID:     &eventID,
		ValidatorID: validator,
		IsValid:     result == domain.OutcomeSuccess,
		Result:      result,
		ValidatedAt: at,
	}
}

func seed(t *testing.T, store *memory.Store, rows ...domain.ValidationLogEntry) {
	t.Helper()
	require.NoError(t, store.AppendValidations(context.Background(), rows))
}

func TestConsume(t *testing.T) {
	tk := domain.Ticket{Quantity: 4, Status: domain.TicketActive}
	assert.Equal(t, ledger.Consumption{Total: 4, Used: 1, Remaining: 3}, ledger.Consume(tk, 1))
	assert.Equal(t, ledger.Consumption{Total: 4, Used: 6, Remaining: 0}, ledger.Consume(tk, 6))

	tk.Quantity = 0
	assert.Equal(t, 1, ledger.Consume(tk, 0).Total, "quantity defaults to one")

	used := domain.Ticket{Quantity: 3, Status: domain.TicketUsed}
	assert.Equal(t, ledger.Consumption{Total: 3, Used: 3, Remaining: 0}, ledger.Consume(used, 1))
}

func TestLedger_ConsumptionCountsOnlySuccessfulRows(t *testing.T) {
	store := memory.NewStore()
	led := ledger.New(store, clock.NewFixed(now))
	tk := domain.Ticket{ID: uuid.New(), EventID: uuid.New(), Quantity: 3, Status: domain.TicketActive}

	seed(t, store,
		row(tk.ID, tk.EventID, domain.OutcomeSuccess, now.Add(-time.Hour), "v1"),
		row(tk.ID, tk.EventID, domain.OutcomeInsufficientEntries, now.Add(-50*time.Minute), "v1"),
		row(tk.ID, tk.EventID, domain.OutcomeSuccess, now.Add(-40*time.Minute), "v2"),
		row(uuid.New(), tk.EventID, domain.OutcomeSuccess, now, "v1"),
	)

	c, err := led.Consumption(context.Background(), tk)
	require.NoError(t, err)
	assert.Equal(t, ledger.Consumption{Total: 3, Used: 2, Remaining: 1}, c)

	remaining, err := led.RemainingEntries(context.Background(), tk)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	last, err := led.LastSuccessful(context.Background(), tk.ID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "v2", last.ValidatorID)
}

func TestLedger_StorageErrorsAreMarked(t *testing.T) {
	store := memory.NewStore()
	store.Fail("CountSuccessful", errors.New("boom"))
	led := ledger.New(store, clock.NewFixed(now))

	_, err := led.Consumption(context.Background(), domain.Ticket{ID: uuid.New()})
	require.Error(t, err)
	assert.True(t, domain.IsStorageFault(err))
}

func TestLedger_EventStats(t *testing.T) {
	store := memory.NewStore()
	led := ledger.New(store, clock.NewFixed(now))
	eventID := uuid.New()
	tk := uuid.New()

	seed(t, store,
		row(tk, eventID, domain.OutcomeSuccess, now.Add(-3*time.Hour), "v1"),
		row(tk, eventID, domain.OutcomeSuccess, now.Add(-30*time.Minute), "v1"),
		row(tk, eventID, domain.OutcomeAllEntriesUsed, now.Add(-20*time.Minute), "v1"),
		row(tk, eventID, domain.OutcomeInvalidEvent, now.Add(-10*time.Minute), "v2"),
		row(tk, uuid.New(), domain.OutcomeSuccess, now.Add(-time.Minute), "v2"),
	)

	all, err := led.EventStats(context.Background(), eventID, 0)
	require.NoError(t, err)
	assert.Nil(t, all.Since)
	assert.Equal(t, 4, all.Total)
	assert.Equal(t, 2, all.Successful)
	assert.Equal(t, 2, all.Failed)
	assert.Equal(t, 50.0, all.SuccessRate)
	assert.Equal(t, 1, all.ByResult[domain.OutcomeAllEntriesUsed])

	live, err := led.LiveStats(context.Background(), eventID)
	require.NoError(t, err)
	assert.Equal(t, all, live.AllTime)
	assert.Equal(t, 3, live.LastHour.Total)
	assert.Equal(t, 33.33, live.LastHour.SuccessRate)
	require.NotNil(t, live.LastHour.Since)
	assert.Equal(t, now.Add(-time.Hour), *live.LastHour.Since)

	empty, err := led.EventStats(context.Background(), uuid.New(), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.Zero(t, empty.SuccessRate)
	assert.NotNil(t, empty.ByResult)
}

func TestLedger_RecentAttempts(t *testing.T) {
	store := memory.NewStore()
	led := ledger.New(store, clock.NewFixed(now))
	tk, ev := uuid.New(), uuid.New()

	seed(t, store,
		row(tk, ev, domain.OutcomeSuccess, now.Add(-10*time.Minute), "v1"),
		row(tk, ev, domain.OutcomeAllEntriesUsed, now.Add(-4*time.Minute), "v1"),
		row(tk, ev, domain.OutcomeDuplicateValidation, now.Add(-time.Minute), "v1"),
	)

	recent, err := led.RecentAttempts(context.Background(), tk, 0)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, domain.OutcomeDuplicateValidation, recent[0].Result, "newest first")

	wider, err := led.RecentAttempts(context.Background(), tk, 15)
	require.NoError(t, err)
	assert.Len(t, wider, 3)
}

func TestLedger_History(t *testing.T) {
	store := memory.NewStore()
	led := ledger.New(store, clock.NewFixed(now))
	ev := uuid.New()

	for i := 0; i < 7; i++ {
		result := domain.OutcomeSuccess
		if i%2 == 1 {
			result = domain.OutcomeInvalidQR
		}
		seed(t, store, row(uuid.New(), ev, result, now.Add(-time.Duration(i)*time.Minute), "v1"))
	}
	seed(t, store, row(uuid.New(), uuid.New(), domain.OutcomeSuccess, now, "v2"))

	page, err := led.History(context.Background(), ledger.HistoryFilter{EventID: &ev, Limit: 3, Page: 2})
	require.NoError(t, err)
	assert.Equal(t, 7, page.Total)
	assert.Equal(t, 3, page.Pages)
	require.Len(t, page.Entries, 3)
	assert.Equal(t, now.Add(-3*time.Minute), page.Entries[0].ValidatedAt)

	failed, err := led.History(context.Background(), ledger.HistoryFilter{Result: domain.OutcomeInvalidQR})
	require.NoError(t, err)
	assert.Equal(t, 3, failed.Total)
	assert.Equal(t, ledger.DefaultHistoryLimit, failed.Limit)

	windowed, err := led.History(context.Background(), ledger.HistoryFilter{
		ValidatorID: "v1",
		From:        now.Add(-2 * time.Minute),
		To:          now,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, windowed.Total)

	beyond, err := led.History(context.Background(), ledger.HistoryFilter{Page: 9})
	require.NoError(t, err)
	assert.Empty(t, beyond.Entries)
	assert.NotNil(t, beyond.Entries)

	_, err = led.History(context.Background(), ledger.HistoryFilter{Result: "nonsense"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = led.History(context.Background(), ledger.HistoryFilter{From: now, To: now.Add(-time.Hour)})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	capped, err := led.History(context.Background(), ledger.HistoryFilter{Limit: 1000})
	require.NoError(t, err)
	assert.Equal(t, ledger.MaxHistoryLimit, capped.Limit)
}

type stalledLog struct {
	*memory.Store
}

func (s stalledLog) History(ctx context.Context, _ ledger.HistoryFilter) ([]domain.ValidationLogEntry, int, error) {
	<-ctx.Done()
	return nil, 0, ctx.Err()
}

func TestLedger_ReadTimeout(t *testing.T) {
	led := ledger.New(stalledLog{memory.NewStore()}, clock.NewFixed(now), ledger.WithReadTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := led.History(context.Background(), ledger.HistoryFilter{})
	require.Error(t, err)
	assert.True(t, domain.IsStorageFault(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}
