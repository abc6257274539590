package payment

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// TxState is the chain's view of a settlement transaction.
type TxState int

const (
	TxPending TxState = iota
	TxConfirmed
	TxFailed
)

// ChainReader answers whether a settlement transaction landed on-chain.
type ChainReader interface {
	TransactionState(ctx context.Context, network, txHash string) (TxState, error)
}

// SettlementWorker reconciles pending payment records on a fixed cadence.
// It is idempotent: records already reconciled by a concurrent process are
// skipped inside Records.Reconcile.
type SettlementWorker struct {
	records  *Records
	chain    ChainReader
	interval time.Duration
}

// NewSettlementWorker builds a worker polling every |interval| (30s when zero).
func NewSettlementWorker(records *Records, chain ChainReader, interval time.Duration) *SettlementWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &SettlementWorker{records: records, chain: chain, interval: interval}
}

// Run loops until |ctx| is done.
func (w *SettlementWorker) Run(ctx context.Context) error {
	var ticker = time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// sweep reconciles every currently-pending record once.
func (w *SettlementWorker) sweep(ctx context.Context) {
	var ids, err = w.records.ListPending(ctx)
	if err != nil {
		log.WithField("err", err).Warn("listing pending payments failed")
		return
	}

	for _, id := range ids {
		record, err := w.records.Get(ctx, id)
		if err != nil {
			log.WithFields(log.Fields{"payment": id, "err": err}).
				Warn("loading pending payment failed")
			continue
		}
		if record.TxHash == "" {
			// Facilitator accepted but returned no transaction; nothing to
			// reconcile against yet.
			continue
		}

		state, err := w.chain.TransactionState(ctx, record.Network, record.TxHash)
		if err != nil {
			log.WithFields(log.Fields{"payment": id, "tx": record.TxHash, "err": err}).
				Warn("settlement state lookup failed")
			continue
		}

		switch state {
		case TxConfirmed:
			if _, err = w.records.Reconcile(ctx, id, StatusSettled); err == nil {
				log.WithFields(log.Fields{"payment": id, "tx": record.TxHash}).
					Info("payment settled")
			}
		case TxFailed:
			if _, err = w.records.Reconcile(ctx, id, StatusRefunded); err == nil {
				log.WithFields(log.Fields{"payment": id, "tx": record.TxHash}).
					Warn("payment refunded")
			}
		}
		if err != nil {
			log.WithFields(log.Fields{"payment": id, "err": err}).
				Warn("reconciling payment failed")
		}
	}
}
