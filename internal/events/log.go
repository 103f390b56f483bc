package events

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/vnmchuo/genroute/internal/logging"
)

// LogSink writes events as structured log lines.
type LogSink struct {
	log logrus.FieldLogger
}

func NewLogSink(log logrus.FieldLogger) *LogSink {
	return &LogSink{log: logging.WithComponent(log, "events")}
}

func (s *LogSink) Dispatch(ctx context.Context, e DispatchEvent) {
	entry := logging.WithContext(ctx, s.log).WithFields(logrus.Fields{
		"request_id":    e.RequestID,
		"provider":      e.Provider,
		"model":         e.Model,
		"cost_usd":      e.CostUSD,
		"latency_ms":    e.LatencyMs,
		"cached":        e.Cached,
		"fallback_used": e.FallbackUsed,
		"status":        e.Status,
	})
	if e.RunID != "" {
		entry = entry.WithFields(logrus.Fields{"run_id": e.RunID, "step_id": e.StepID})
	}
	switch e.Status {
	case StatusCompleted:
		entry.Info("request dispatched")
	case StatusRequiresApproval:
		entry.WithField("reason", e.Reason).Info("request held for approval")
	default:
		entry.WithField("reason", e.Reason).Warn("request failed")
	}
}

func (s *LogSink) Circuit(ctx context.Context, e CircuitEvent) {
	entry := logging.WithContext(ctx, s.log).WithFields(logrus.Fields{
		"provider": e.Provider,
		"event":    e.Event,
	})
	if e.Event == CircuitOpened {
		entry.Warn("circuit breaker state changed")
		return
	}
	entry.Info("circuit breaker state changed")
}

func (s *LogSink) Run(ctx context.Context, e RunEvent) {
	logging.WithContext(ctx, s.log).WithFields(logrus.Fields{
		"run_id":         e.RunID,
		"workflow":       e.Workflow,
		"status":         e.Status,
		"total_cost_usd": e.TotalCostUSD,
		"latency_ms":     e.LatencyMs,
		"steps":          e.Steps,
	}).Info("workflow run finished")
}
