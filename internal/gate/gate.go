// Package gate is the admission wrapper every metered tool call goes through:
// reserve credits, run the work under a deadline, then commit the usage entry
// or release the reservation.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/toolforge/backend/internal/ledger"
	"github.com/PortNumber53/toolforge/backend/internal/models"
	"github.com/PortNumber53/toolforge/backend/internal/usage"
)

// Denial reasons reported in Result.Reason.
const (
	ReasonInsufficientCredits = "insufficient_credits"
	ReasonAccountNotFound     = "account_not_found"
	ReasonAccountDisabled     = "account_disabled"
	ReasonInvalidCost         = "invalid_cost"
)

// ErrWorkTimeout is returned when the work outlives the gate's deadline.
var ErrWorkTimeout = errors.New("gate: tool call timed out")

// settleTimeout bounds release/commit once the caller's context is detached.
const settleTimeout = 10 * time.Second

// Ledger is the subset of *ledger.Ledger the gate needs.
type Ledger interface {
	Reserve(ctx context.Context, userID string, amount int64, toolName string) (models.Reservation, error)
	Release(ctx context.Context, token string) error
	CurrentBalance(ctx context.Context, userID string) (models.AccountBalance, error)
}

// Recorder commits a reservation together with its usage entry.
type Recorder interface {
	Record(ctx context.Context, res models.Reservation, input, output string) (models.UsageEntry, error)
}

// Work performs the metered operation and returns its output.
type Work func(ctx context.Context) (string, error)

// ChargeRequest describes one metered call.
type ChargeRequest struct {
	UserID   string
	ToolName string
	Cost     int64
	Input    string
}

// Result is the outcome of an admitted or denied call.
type Result struct {
	Allowed bool
	Reason  string
	Output  string
	Entry   models.UsageEntry
}

// Gate admits metered calls.
type Gate struct {
	ledger   Ledger
	recorder Recorder
	timeout  time.Duration
	logger   logrus.FieldLogger
}

// New wires a Gate. timeout bounds each Work call.
func New(l Ledger, recorder Recorder, timeout time.Duration, logger logrus.FieldLogger) *Gate {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Gate{
		ledger:   l,
		recorder: recorder,
		timeout:  timeout,
		logger:   logger.WithField("component", "gate"),
	}
}

// Charge reserves req.Cost credits, runs work and settles the reservation.
// Denials are reported in the Result with a nil error. When work fails, times
// out or its usage cannot be recorded, the reservation is released and the
// error is returned, so a failed call never costs credits.
func (g *Gate) Charge(ctx context.Context, req ChargeRequest, work Work) (Result, error) {
	if req.Cost <= 0 {
		return Result{Reason: ReasonInvalidCost}, nil
	}

	log := g.logger.WithFields(logrus.Fields{
		"user_id": req.UserID,
		"tool":    req.ToolName,
		"cost":    req.Cost,
	})

	res, err := g.ledger.Reserve(ctx, req.UserID, req.Cost, req.ToolName)
	if reason, denied := denial(err); denied {
		log.WithField("reason", reason).Info("tool call denied")
		return Result{Reason: reason}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("reserve credits: %w", err)
	}

	output, err := g.run(ctx, work)
	if err != nil {
		g.release(ctx, log, res)
		log.WithError(err).Warn("tool call failed; reservation released")
		return Result{}, err
	}

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	entry, err := g.recorder.Record(settleCtx, res, req.Input, output)
	if err != nil {
		g.release(ctx, log, res)
		return Result{}, fmt.Errorf("record usage: %w", err)
	}

	return Result{Allowed: true, Output: output, Entry: entry}, nil
}

func (g *Gate) run(ctx context.Context, work Work) (string, error) {
	workCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		workCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	output, err := work(workCtx)
	if errors.Is(workCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return "", ErrWorkTimeout
	}
	if err != nil {
		return "", err
	}
	if ctxErr := workCtx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	return output, nil
}

// release settles the reservation even when the caller has gone away. A
// failure here leaves the reservation pending for the sweeper.
func (g *Gate) release(ctx context.Context, log logrus.FieldLogger, res models.Reservation) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if err := g.ledger.Release(releaseCtx, res.Token); err != nil {
		log.WithError(err).WithField("token", res.Token).Error("release failed; left for sweeper")
	}
}

// CurrentBalance returns the user's spendable balance.
func (g *Gate) CurrentBalance(ctx context.Context, userID string) (int64, error) {
	acct, err := g.ledger.CurrentBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

func denial(err error) (string, bool) {
	switch {
	case err == nil:
		return "", false
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return ReasonInsufficientCredits, true
	case errors.Is(err, ledger.ErrAccountNotFound):
		return ReasonAccountNotFound, true
	case errors.Is(err, ledger.ErrAccountDisabled):
		return ReasonAccountDisabled, true
	case errors.Is(err, ledger.ErrInvalidAmount):
		return ReasonInvalidCost, true
	}
	return "", false
}

var _ Recorder = (*usage.Recorder)(nil)
