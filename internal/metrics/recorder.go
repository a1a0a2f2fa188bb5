package metrics

import (
	"context"
	"errors"
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sethuramanv/payrecon/internal/service"
)

var (
	reconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payrecon_reconcile_total",
		Help: "Reconciliation attempts by kind, entry status and outcome",
	}, []string{"kind", "status", "outcome"})

	reconcileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payrecon_reconcile_duration_seconds",
		Help:    "Latency distribution of reconciliation calls",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"kind"})

	duplicateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payrecon_reconcile_duplicates_total",
		Help: "Callbacks answered from a previously stored ledger entry",
	})

	compensationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payrecon_compensation_failures_total",
		Help: "Balance reversals that could not be applied after a lost insert race",
	})
)

// Recorder is the production Observer: prometheus series for every outcome plus
// a log line for failures.
type Recorder struct {
	logger *log.Logger
}

func NewRecorder(logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.Default()
	}
	return &Recorder{logger: logger}
}

func (r *Recorder) ReconcileFinished(_ context.Context, o service.Outcome) {
	reconcileTotal.WithLabelValues(string(o.Kind), string(o.Status), outcomeLabel(o)).Inc()
	reconcileDuration.WithLabelValues(string(o.Kind)).Observe(o.Elapsed.Seconds())
	if o.Duplicate {
		duplicateTotal.Inc()
	}
	if o.Err != nil {
		r.logger.Printf("reconcile failed: kind=%s external_id=%s account_id=%d amount=%d err=%v",
			o.Kind, o.ExternalID, o.AccountID, o.Amount, o.Err)
	}
}

func (r *Recorder) CompensationFailed(_ context.Context, accountID, delta int64, err error) {
	compensationFailures.Inc()
	r.logger.Printf("compensation failed: account_id=%d delta=%d err=%v", accountID, delta, err)
}

func outcomeLabel(o service.Outcome) string {
	if o.Err == nil {
		if o.Duplicate {
			return "duplicate"
		}
		return "ok"
	}
	switch {
	case errors.Is(o.Err, service.ErrInvalidEvent):
		return "invalid_event"
	case errors.Is(o.Err, service.ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(o.Err, service.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(o.Err, service.ErrDuplicateReference):
		return "duplicate_reference"
	case errors.Is(o.Err, service.ErrStoreUnavailable):
		return "store_unavailable"
	}
	return "error"
}
