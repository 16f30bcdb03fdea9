package crdb_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/ticket-admission/internal/adapters/crdb"
	"github.com/robertarktes/ticket-admission/internal/admission"
	"github.com/robertarktes/ticket-admission/internal/clock"
	"github.com/robertarktes/ticket-admission/internal/domain"
	"github.com/robertarktes/ticket-admission/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startCockroach(t *testing.T) *crdb.Repository {
	t.Helper()
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "cockroachdb/cockroach:v24.1.1",
			Cmd:          []string{"start-single-node", "--insecure"},
			ExposedPorts: []string{"26257/tcp", "8080/tcp"},
			WaitingFor:   wait.ForHTTP("/health?ready=1").WithPort("8080"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "26257/tcp")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, "postgresql://root@"+host+":"+port.Port()+"/defaultdb?sslmode=disable")
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	repo := crdb.NewRepository(pool)
	require.NoError(t, repo.Migrate(ctx))
	require.NoError(t, repo.Migrate(ctx), "migrations must be repeatable")
	return repo
}

func seed(t *testing.T, repo *crdb.Repository, now time.Time, quantity int) (domain.Event, domain.Ticket) {
	t.Helper()
	ctx := context.Background()

	ev := domain.Event{
		ID:        uuid.New(),
		Name:      "Summer Fest",
		Location:  "Main Hall",
		Status:    domain.EventActive,
		StartDate: now.Add(-time.Hour),
		EndDate:   now.Add(4 * time.Hour),
		TimeZone:  "UTC",
		BasePrice: 50,
		PriceRanges: []domain.PriceRange{
			{StartTime: "22:00", EndTime: "06:00", Price: 80, Name: "Night 22-6"},
		},
	}
	require.NoError(t, repo.SaveEvent(ctx, ev))

	tk := domain.Ticket{
		ID:       uuid.New(),
		Code:     "TKT-" + uuid.NewString(),
		EventID:  ev.ID,
		Quantity: quantity,
		Status:   domain.TicketActive,
	}
	require.NoError(t, repo.SaveTicket(ctx, tk))
	return ev, tk
}

func TestRepository(t *testing.T) {
	repo := startCockroach(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("event round trip keeps price ranges", func(t *testing.T) {
		ev, _ := seed(t, repo, now, 1)

		got, err := repo.GetEvent(ctx, ev.ID)
		require.NoError(t, err)
		assert.Equal(t, ev.PriceRanges, got.PriceRanges)
		assert.Equal(t, domain.EventActive, got.Status)

		_, err = repo.GetEvent(ctx, uuid.New())
		assert.True(t, errors.Is(err, domain.ErrEventNotFound))
	})

	t.Run("admission countdown and log queries", func(t *testing.T) {
		ev, tk := seed(t, repo, now, 3)
		clk := clock.NewFixed(now)
		engine := admission.NewEngine(repo, ledger.New(repo, clk), clk, admission.WithOutbox(repo))

		req := admission.Request{
			Code:       tk.Code,
			EntryCount: 2,
			DeviceInfo: map[string]interface{}{"model": "scanner-x"},
			Validator:  domain.Validator{ID: "val-crdb", Name: "Gate", Role: domain.RoleControl},
		}
		res, err := engine.Admit(ctx, req)
		require.NoError(t, err)
		require.Equal(t, domain.OutcomeSuccess, res.Outcome, res.Message)
		assert.Equal(t, 1, res.Consumption.Remaining)

		res, err = engine.Admit(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeInsufficientEntries, res.Outcome)

		used, err := repo.CountSuccessful(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, used)

		attempts, err := repo.CountAttempts(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)

		last, err := repo.LastSuccessful(ctx, tk.ID)
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.Equal(t, 2, last.EntrySequence)
		assert.Equal(t, float64(2), last.DeviceInfo["totalEntriesThisValidation"])

		byResult, err := repo.CountByResult(ctx, ev.ID, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, map[domain.Outcome]int{
			domain.OutcomeSuccess:             2,
			domain.OutcomeInsufficientEntries: 1,
		}, byResult)

		scans, err := repo.CountValidatorAttempts(ctx, "val-crdb", now.Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 2, scans)

		activity, err := repo.ValidatorActivity(ctx, "val-crdb", now.Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 2, activity.Attempts)
		assert.Equal(t, 1, activity.Failures)

		dup, err := repo.LastValidatorSuccess(ctx, "val-crdb", tk.Code, now.Add(-time.Minute))
		require.NoError(t, err)
		assert.NotNil(t, dup)

		validators, err := repo.ActiveValidators(ctx, now.Add(-time.Minute))
		require.NoError(t, err)
		assert.Contains(t, validators, "val-crdb")

		eventID := ev.ID
		entries, total, err := repo.History(ctx, ledger.HistoryFilter{
			EventID: &eventID, Result: domain.OutcomeSuccess, Page: 1, Limit: 1,
		})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Len(t, entries, 1)
	})

	t.Run("concurrent scans of a single-entry ticket admit once", func(t *testing.T) {
		_, tk := seed(t, repo, now, 1)
		clk := clock.NewFixed(now)
		engine := admission.NewEngine(repo, ledger.New(repo, clk), clk, admission.WithMaxAttempts(10))

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
		)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := engine.Admit(ctx, admission.Request{
					Code:       tk.Code,
					EntryCount: 1,
					Validator:  domain.Validator{ID: "val-race", Role: domain.RoleControl},
				})
				if err == nil && res.Success() {
					mu.Lock()
					successes++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, successes)
		got, err := repo.GetTicket(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TicketUsed, got.Status)
		assert.NotNil(t, got.ValidatedAt)
	})

	t.Run("transition refuses terminal tickets", func(t *testing.T) {
		_, tk := seed(t, repo, now, 1)

		got, err := repo.TransitionTicket(ctx, tk.ID, domain.TicketRefunded)
		require.NoError(t, err)
		assert.Equal(t, domain.TicketRefunded, got.Status)

		_, err = repo.TransitionTicket(ctx, tk.ID, domain.TicketCancelled)
		assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

		_, err = repo.TransitionTicket(ctx, uuid.New(), domain.TicketCancelled)
		assert.True(t, errors.Is(err, domain.ErrTicketNotFound))

		err = repo.MarkValidated(ctx, tk.ID, now, true)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("outbox claim and publish", func(t *testing.T) {
		msg := domain.OutboxMessage{
			ID:            uuid.New(),
			AggregateType: "ticket",
			AggregateID:   uuid.New(),
			EventType:     admission.EventTicketValidated,
			Payload:       []byte(`{"entries":1}`),
			DedupeKey:     uuid.NewString(),
		}
		require.NoError(t, repo.Enqueue(ctx, msg))
		dupe := msg
		dupe.ID = uuid.New()
		require.NoError(t, repo.Enqueue(ctx, dupe), "duplicate dedupe keys are ignored")

		var claimed []domain.OutboxMessage
		err := repo.WithTx(ctx, func(ctx context.Context) error {
			var err error
			claimed, err = repo.ClaimOutbox(ctx, 100)
			if err != nil {
				return err
			}
			for _, m := range claimed {
				if err := repo.MarkPublished(ctx, m.ID, now); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)

		var found int
		for _, m := range claimed {
			if m.DedupeKey == msg.DedupeKey {
				found++
				assert.JSONEq(t, `{"entries":1}`, string(m.Payload))
			}
		}
		assert.Equal(t, 1, found)

		err = repo.WithTx(ctx, func(ctx context.Context) error {
			claimed, err = repo.ClaimOutbox(ctx, 100)
			return err
		})
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})
}
