// Package billing prices metered requests and settles them against the
// credential store.
//
// Settlement is deliberately off the request path: the proxy submits an
// Entry to a Queue and returns, workers price it and debit the user in one
// store transaction. A failed settlement is logged and counted; it never
// reaches the caller.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/llm-meter/internal/store"
)

// Entry is one request to bill.
type Entry struct {
	RequestID string

	UserID  string
	KeyID   string
	ModelID string

	InputTokens  int
	OutputTokens int

	Prompt     string
	Completion string
	LogContent bool
}

// Receipt is the outcome of a settled Entry.
type Receipt struct {
	Cost  decimal.Decimal
	LogID string
}

// Store is what the ledger needs from the credential store.
type Store interface {
	FindModel(ctx context.Context, id string) (*store.Model, error)
	Settle(ctx context.Context, entry *store.RequestLog) error
}

// UsageRecorder observes settled usage. *metrics.Registry satisfies it.
type UsageRecorder interface {
	RecordUsage(model string, inputTokens, outputTokens int, cost float64)
}

type Ledger struct {
	store Store
	log   *slog.Logger
	rec   UsageRecorder
}

func NewLedger(s Store, log *slog.Logger, rec UsageRecorder) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{store: s, log: log, rec: rec}
}

// Price returns in*PriceIn + out*PriceOut for modelID. A model without a
// record is free.
func (l *Ledger) Price(ctx context.Context, modelID string, in, out int) (decimal.Decimal, error) {
	m, err := l.store.FindModel(ctx, modelID)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("billing: price %q: %w", modelID, err)
	}
	return decimal.NewFromInt(int64(in)).Mul(m.PriceIn).
		Add(decimal.NewFromInt(int64(out)).Mul(m.PriceOut)), nil
}

// Settle prices e, debits the user and records the request log.
func (l *Ledger) Settle(ctx context.Context, e Entry) (Receipt, error) {
	cost, err := l.Price(ctx, e.ModelID, e.InputTokens, e.OutputTokens)
	if err != nil {
		return Receipt{}, err
	}

	row := &store.RequestLog{
		UserID:      e.UserID,
		APIKeyID:    e.KeyID,
		ModelUsed:   e.ModelID,
		InputUnits:  e.InputTokens,
		OutputUnits: e.OutputTokens,
		TotalCost:   cost,
	}
	if e.LogContent {
		prompt, completion := e.Prompt, e.Completion
		row.PromptText = &prompt
		row.CompletionText = &completion
	}

	if err := l.store.Settle(ctx, row); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			l.log.WarnContext(ctx, "billing_user_missing",
				slog.String("request_id", e.RequestID),
				slog.String("user_id", e.UserID),
				slog.String("model", e.ModelID),
				slog.String("cost", cost.String()),
			)
		}
		return Receipt{}, fmt.Errorf("billing: settle: %w", err)
	}

	if l.rec != nil {
		l.rec.RecordUsage(e.ModelID, e.InputTokens, e.OutputTokens, cost.InexactFloat64())
	}
	return Receipt{Cost: cost, LogID: row.ID}, nil
}
