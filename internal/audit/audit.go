// Package audit persists dispatch events for usage reporting.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vnmchuo/genroute/internal/events"
	"github.com/vnmchuo/genroute/internal/logging"
)

type Record struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	RequestID        string    `json:"request_id"`
	RunID            string    `json:"run_id,omitempty"`
	StepID           string    `json:"step_id,omitempty"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	LatencyMs        int64     `json:"latency_ms"`
	Cached           bool      `json:"cached"`
	FallbackUsed     bool      `json:"fallback_used"`
	Status           string    `json:"status"`
	Reason           string    `json:"reason,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

func FromEvent(e events.DispatchEvent) *Record {
	return &Record{
		UserID:           e.UserID,
		RequestID:        e.RequestID,
		RunID:            e.RunID,
		StepID:           e.StepID,
		Provider:         e.Provider,
		Model:            e.Model,
		PromptTokens:     e.PromptTokens,
		CompletionTokens: e.CompletionTokens,
		CostUSD:          e.CostUSD,
		LatencyMs:        e.LatencyMs,
		Cached:           e.Cached,
		FallbackUsed:     e.FallbackUsed,
		Status:           string(e.Status),
		Reason:           e.Reason,
		CreatedAt:        e.At,
	}
}

type Store interface {
	Log(ctx context.Context, r *Record) error
	ByUser(ctx context.Context, userID string, from, to time.Time) ([]*Record, error)
	TotalCostByUser(ctx context.Context, userID string, from, to time.Time) (float64, error)
}

// Recorder is an events.Sink that writes dispatch events to a Store from a
// background goroutine. Events are dropped, with a warning, when the buffer
// is full.
type Recorder struct {
	events.Nop

	store   Store
	log     logrus.FieldLogger
	queue   chan *Record
	wg      sync.WaitGroup
	closing sync.Once
}

func NewRecorder(store Store, buffer int, log logrus.FieldLogger) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{
		store: store,
		log:   logging.WithComponent(log, "audit"),
		queue: make(chan *Record, buffer),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *Recorder) Dispatch(_ context.Context, e events.DispatchEvent) {
	select {
	case r.queue <- FromEvent(e):
	default:
		r.log.WithField("request_id", e.RequestID).Warn("audit buffer full, dropping record")
	}
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.Log(ctx, rec); err != nil {
			r.log.WithError(err).WithField("request_id", rec.RequestID).Error("failed to write audit record")
		}
		cancel()
	}
}

// Close flushes queued records and stops the writer. Dispatch must not be
// called after Close.
func (r *Recorder) Close() {
	r.closing.Do(func() {
		close(r.queue)
	})
	r.wg.Wait()
}
