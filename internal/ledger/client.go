package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/stakeops/internal/domain"
	"go.uber.org/zap"
)

var (
	confirmOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stake_ledger_confirm_outcomes_total",
		Help: "Confirmation outcomes by status",
	}, []string{"status"})

	confirmLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stake_ledger_confirm_duration_seconds",
		Help:    "Time from confirm start to a definitive or timed-out outcome",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
)

// Client submits transactions and waits for their outcome. It owns no
// durable state.
type Client struct {
	ledger       Ledger
	pollInterval time.Duration
	log          *zap.Logger
}

func NewClient(l Ledger, pollInterval time.Duration, log *zap.Logger) *Client {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Client{ledger: l, pollInterval: pollInterval, log: log}
}

func (c *Client) AccountExists(ctx context.Context, addr Address) (bool, error) {
	return c.ledger.AccountExists(ctx, addr)
}

func (c *Client) AccountBalance(ctx context.Context, addr Address) (uint64, error) {
	return c.ledger.AccountBalance(ctx, addr)
}

// Submit hands a signed transaction to the ledger. A *RejectedError means the
// ledger refused it outright; any other error wraps ErrSubmissionFailed and
// leaves delivery ambiguous.
func (c *Client) Submit(ctx context.Context, tx *SignedTransaction) (Handle, error) {
	want := tx.Handle()
	got, err := c.ledger.Submit(ctx, tx)
	if err != nil {
		var rej *RejectedError
		if errors.As(err, &rej) {
			return want, rej
		}
		return want, fmt.Errorf("%w: %v", domain.ErrSubmissionFailed, err)
	}
	if got != want {
		c.log.Warn("ledger returned unexpected handle", zap.String("want", want.String()), zap.String("got", got.String()))
	}
	return want, nil
}

// Confirm polls until the ledger reports the handle applied or rejected, or
// until timeout elapses. A timeout yields an unknown outcome, not a failure.
func (c *Client) Confirm(ctx context.Context, h Handle, timeout time.Duration) Outcome {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		out, found, err := c.Status(ctx, h)
		switch {
		case err != nil:
			c.log.Debug("status poll failed", zap.String("ref", h.String()), zap.Error(err))
		case found && out.Status != domain.OpUnknown:
			confirmOutcomes.WithLabelValues(string(out.Status)).Inc()
			confirmLatency.Observe(time.Since(start).Seconds())
			return out
		}

		select {
		case <-ctx.Done():
			confirmOutcomes.WithLabelValues(string(domain.OpUnknown)).Inc()
			confirmLatency.Observe(time.Since(start).Seconds())
			return Unknown(h)
		case <-ticker.C:
		}
	}
}

// Status queries the ledger once. found is false when the ledger has never
// seen the handle; a pending transaction is found with an unknown outcome.
func (c *Client) Status(ctx context.Context, h Handle) (Outcome, bool, error) {
	st, err := c.ledger.OperationStatus(ctx, h)
	if err != nil {
		return Unknown(h), false, err
	}
	switch st.Status {
	case StatusCommitted:
		return Committed(h), true, nil
	case StatusRejected:
		return Rejected(h, st.Reason), true, nil
	case StatusPending:
		return Unknown(h), true, nil
	}
	return Unknown(h), false, nil
}
