package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/attestry/proofgate/go/fault"
	"github.com/attestry/proofgate/go/kv"
	"github.com/google/uuid"
)

// Status is a payment record's settlement state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSettled  Status = "settled"
	StatusRefunded Status = "refunded"
)

// Record is one accepted payment awaiting on-chain reconciliation.
// Payment semantics are at-most-once: the record is written synchronously
// when the facilitator accepts a payment, and the settlement worker
// reconciles it against the chain afterwards.
type Record struct {
	ID           string    `json:"id"`
	TaskID       string    `json:"taskId,omitempty"`
	PayerAddress string    `json:"payerAddress"`
	Amount       string    `json:"amount"`
	Network      string    `json:"network"`
	TxHash       string    `json:"txHash,omitempty"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

const (
	recordKeyPrefix = "payment:"
	taskKeyPrefix   = "payment:task:"
	statusKeyPrefix = "payment:status:"

	recordTTL = 24 * time.Hour
)

// Records persists payment records with task and status indexes.
type Records struct {
	kv kv.Store
}

// NewRecords builds a Records store over |store|.
func NewRecords(store kv.Store) *Records { return &Records{kv: store} }

// Create writes a new pending record and indexes it by task and status.
func (r *Records) Create(ctx context.Context, taskID, payer, amount, network, txHash string) (*Record, error) {
	var now = time.Now().UTC()
	var record = &Record{
		ID:           uuid.NewString(),
		TaskID:       taskID,
		PayerAddress: payer,
		Amount:       amount,
		Network:      network,
		TxHash:       txHash,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := kv.SetJSON(ctx, r.kv, recordKeyPrefix+record.ID, record, recordTTL); err != nil {
		return nil, err
	}
	if taskID != "" {
		if err := r.kv.Set(ctx, taskKeyPrefix+taskID, record.ID, recordTTL); err != nil {
			return nil, err
		}
	}
	if err := r.kv.RPush(ctx, statusKeyPrefix+string(StatusPending), record.ID); err != nil {
		return nil, err
	}
	return record, nil
}

// BindTask indexes the record at |id| under |taskID|. The gate records a
// payment before any task exists; the A2A endpoint binds the task id once
// the paid request has produced one.
func (r *Records) BindTask(ctx context.Context, id, taskID string) error {
	var record, err = r.Get(ctx, id)
	if err != nil {
		return err
	}
	record.TaskID = taskID
	record.UpdatedAt = time.Now().UTC()
	if err = kv.SetJSON(ctx, r.kv, recordKeyPrefix+record.ID, record, recordTTL); err != nil {
		return err
	}
	return r.kv.Set(ctx, taskKeyPrefix+taskID, record.ID, recordTTL)
}

// Get loads the record at |id|.
func (r *Records) Get(ctx context.Context, id string) (*Record, error) {
	var record Record
	if err := kv.GetJSON(ctx, r.kv, recordKeyPrefix+id, &record); err != nil {
		if fault.Is(err, fault.NotFound) {
			return nil, fault.New(fault.NotFound, "payment %s not found", id)
		}
		return nil, err
	}
	return &record, nil
}

// GetByTask loads the record bound to |taskID|.
func (r *Records) GetByTask(ctx context.Context, taskID string) (*Record, error) {
	var id, err = r.kv.Get(ctx, taskKeyPrefix+taskID)
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

// ListPending returns the ids of records awaiting settlement.
func (r *Records) ListPending(ctx context.Context) ([]string, error) {
	return r.kv.LRange(ctx, statusKeyPrefix+string(StatusPending))
}

// Reconcile moves the record at |id| from pending to |status|. Reconciling
// the same record twice is a no-op, which keeps the settlement worker
// idempotent across crashes.
func (r *Records) Reconcile(ctx context.Context, id string, status Status) (*Record, error) {
	if status != StatusSettled && status != StatusRefunded {
		return nil, fault.New(fault.InvalidArgument, "cannot reconcile to %s", status)
	}
	var record, err = r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Status != StatusPending {
		return record, nil
	}
	record.Status = status
	record.UpdatedAt = time.Now().UTC()
	if err = kv.SetJSON(ctx, r.kv, recordKeyPrefix+id, record, recordTTL); err != nil {
		return nil, fmt.Errorf("updating payment %s: %w", id, err)
	}
	if err = r.kv.LRem(ctx, statusKeyPrefix+string(StatusPending), id); err != nil {
		return nil, err
	}
	if err = r.kv.RPush(ctx, statusKeyPrefix+string(status), id); err != nil {
		return nil, err
	}
	return record, nil
}
