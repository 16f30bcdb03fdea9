package idempotency

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/robertarktes/ticket-admission/internal/observability"
)

const (
	HeaderKey    = "Idempotency-Key"
	HeaderReplay = "Idempotent-Replay"
	MinKeyLength = 16
	MaxKeyLength = 128
)

// Response is a recorded reply, replayed verbatim for a repeated key.
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType,omitempty"`
	RetryAfter  string `json:"retryAfter,omitempty"`
	Body        []byte `json:"body"`
}

// Backend stores responses. Get returns nil, nil for an unknown key.
type Backend interface {
	Get(ctx context.Context, key string) (*Response, error)
	Set(ctx context.Context, key string, resp Response, ttl time.Duration) error
}

type Idempotency struct {
	backend Backend
	ttl     time.Duration
	logger  observability.Logger
}

func NewIdempotency(backend Backend, ttl time.Duration, logger observability.Logger) *Idempotency {
	return &Idempotency{backend: backend, ttl: ttl, logger: logger}
}

// Middleware replays the stored response when a request repeats an
// Idempotency-Key. Requests without the header pass through. Keys are
// scoped by scope(r), so two devices cannot collide. Server errors are
// not recorded and stay retryable. A failing backend never blocks a request.
func (i *Idempotency) Middleware(scope func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) < MinKeyLength || len(key) > MaxKeyLength {
				http.Error(w, `{"success":false,"result":"invalid_idempotency_key","message":"Idempotency-Key must be 16 to 128 characters"}`,
					http.StatusBadRequest)
				return
			}
			key = scope(r) + ":" + key
			log := i.logger.WithField("idempotency_key", key)

			stored, err := i.backend.Get(r.Context(), key)
			if err != nil {
				log.WithError(err).Warn("idempotency lookup failed")
			}
			if stored != nil {
				observability.IdempotentReplays.Inc()
				replay(w, stored)
				return
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			if rec.status >= http.StatusInternalServerError {
				return
			}

			resp := Response{
				Status:      rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				RetryAfter:  rec.Header().Get("Retry-After"),
				Body:        rec.body.Bytes(),
			}
			if err := i.backend.Set(context.WithoutCancel(r.Context()), key, resp, i.ttl); err != nil {
				log.WithError(err).Warn("idempotency store failed")
			}
		})
	}
}

func replay(w http.ResponseWriter, resp *Response) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	if resp.RetryAfter != "" {
		w.Header().Set("Retry-After", resp.RetryAfter)
	}
	w.Header().Set(HeaderReplay, "true")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
