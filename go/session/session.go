// Package session persists proof-request records: the signing and payment
// state a client accumulates before a proof can be generated. Records are
// one-shot and expire quickly; Consume deletes the record as it is read.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/attestry/proofgate/go/fault"
	"github.com/attestry/proofgate/go/kv"
	"github.com/attestry/proofgate/go/payment"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// SubStatus is the signing or payment sub-status of a record.
type SubStatus string

const (
	SubPending   SubStatus = "pending"
	SubCompleted SubStatus = "completed"
)

// Phase is the overall session phase derived from a record's sub-statuses.
type Phase string

const (
	PhaseExpired Phase = "expired"
	PhaseSigning Phase = "signing"
	PhasePayment Phase = "payment"
	PhaseReady   Phase = "ready"
)

// Record is one proof request: its signing inputs, the wallet signature once
// the sign page completes, and the payment state when payments are enforced.
type Record struct {
	ID            string    `json:"id"`
	Scope         string    `json:"scope"`
	CircuitID     string    `json:"circuitId"`
	Status        SubStatus `json:"status"`
	Address       string    `json:"address,omitempty"`
	Signature     string    `json:"signature,omitempty"`
	SignalHash    string    `json:"signalHash,omitempty"`
	CountryList   []string  `json:"countryList,omitempty"`
	IsIncluded    *bool     `json:"isIncluded,omitempty"`
	PaymentStatus SubStatus `json:"paymentStatus,omitempty"`
	PaymentTxHash string    `json:"paymentTxHash,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Expired reports whether the record's signing window has passed.
func (r *Record) Expired() bool { return time.Now().After(r.ExpiresAt) }

const (
	signingKeyPrefix  = "signing:"
	defaultSigningTTL = 5 * time.Minute
)

// Store persists Records under signing:{requestId} with the signing TTL.
type Store struct {
	kv  kv.Store
	ttl time.Duration
}

// NewStore builds a Store over |store|. A non-positive |ttl| selects the
// 5 minute default.
func NewStore(store kv.Store, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultSigningTTL
	}
	return &Store{kv: store, ttl: ttl}
}

// TTL is the signing window applied to new records.
func (s *Store) TTL() time.Duration { return s.ttl }

// Create allocates a fresh pending record for |circuitId| and |scope|.
func (s *Store) Create(ctx context.Context, circuitID, scope string, countryList []string, isIncluded *bool) (*Record, error) {
	var now = time.Now().UTC()
	var record = &Record{
		ID:          uuid.NewString(),
		Scope:       scope,
		CircuitID:   circuitID,
		Status:      SubPending,
		CountryList: countryList,
		IsIncluded:  isIncluded,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	if err := kv.SetJSON(ctx, s.kv, signingKeyPrefix+record.ID, record, s.ttl); err != nil {
		return nil, err
	}
	return record, nil
}

// Get loads the record at |requestId|.
func (s *Store) Get(ctx context.Context, requestID string) (*Record, error) {
	var record Record
	if err := kv.GetJSON(ctx, s.kv, signingKeyPrefix+requestID, &record); err != nil {
		if fault.Is(err, fault.NotFound) {
			return nil, fault.New(fault.NotFound, "signing request %s not found", requestID)
		}
		return nil, err
	}
	return &record, nil
}

// Consume loads and deletes the record in one shot. A record feeds exactly
// one proof; deleting on read prevents replay.
func (s *Store) Consume(ctx context.Context, requestID string) (*Record, error) {
	var record, err = s.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err = s.kv.Del(ctx, signingKeyPrefix+requestID); err != nil {
		return nil, err
	}
	return record, nil
}

// SigningPayload is the exact text the wallet signs (EIP-191 personal sign)
// for |record|. It binds the signature to this request id and scope.
func SigningPayload(record *Record) string {
	return fmt.Sprintf("Sign to generate a %s proof\nRequest: %s\nScope: %s",
		record.CircuitID, record.ID, record.Scope)
}

// SignalHash derives the public signal committed by the proof from the
// signer address, scope, and circuit.
func SignalHash(address, scope, circuitID string) string {
	return hexutil.Encode(crypto.Keccak256(
		common.HexToAddress(address).Bytes(), []byte(scope), []byte(circuitID)))
}

// CompleteSigning verifies |signature| as an EIP-191 personal-sign of the
// record's signing payload by |address|, then stores the address, signature,
// and derived signal hash and flips the signing sub-status to completed.
func (s *Store) CompleteSigning(ctx context.Context, requestID, address, signature string) (*Record, error) {
	var record, err = s.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if record.Expired() {
		return nil, fault.New(fault.InvalidArgument, "signing request %s has expired", requestID)
	}
	if record.Status == SubCompleted {
		return record, nil
	}
	if !common.IsHexAddress(address) {
		return nil, fault.New(fault.InvalidArgument, "invalid address %q", address)
	}

	var sig = common.FromHex(signature)
	if len(sig) != 65 {
		return nil, fault.New(fault.InvalidArgument, "invalid signature length %d", len(sig))
	}
	var adjusted = make([]byte, 65)
	copy(adjusted, sig)
	if adjusted[64] >= 27 {
		adjusted[64] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(SigningPayload(record))), adjusted)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidArgument, err, "recovering signer")
	}
	if recovered := crypto.PubkeyToAddress(*pub); recovered != common.HexToAddress(address) {
		return nil, fault.New(fault.Unauthenticated,
			"signature recovers %s, not %s", recovered.Hex(), address)
	}

	record.Address = common.HexToAddress(address).Hex()
	record.Signature = signature
	record.SignalHash = SignalHash(address, record.Scope, record.CircuitID)
	record.Status = SubCompleted
	if err = s.write(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// MarkPaymentPending sets the payment sub-status to pending. Idempotent, but
// fails if signing is not yet complete.
func (s *Store) MarkPaymentPending(ctx context.Context, requestID string) (*Record, error) {
	var record, err = s.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if record.Status != SubCompleted {
		return nil, fault.New(fault.InvalidTransition,
			"signing not complete for request %s", requestID)
	}
	if record.PaymentStatus == SubCompleted {
		return nil, fault.New(fault.InvalidTransition,
			"payment already complete for request %s", requestID)
	}
	record.PaymentStatus = SubPending
	if err = s.write(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// CompletePayment records a settled payment transaction on the session.
func (s *Store) CompletePayment(ctx context.Context, requestID, txHash string) (*Record, error) {
	var record, err = s.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	record.PaymentStatus = SubCompleted
	record.PaymentTxHash = txHash
	if err = s.write(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Store) write(ctx context.Context, record *Record) error {
	var remaining = time.Until(record.ExpiresAt)
	if remaining <= 0 {
		remaining = time.Second
	}
	return kv.SetJSON(ctx, s.kv, signingKeyPrefix+record.ID, record, remaining)
}

// PhaseOf derives the session phase from |record| under payment |mode|.
func PhaseOf(record *Record, mode payment.Mode) Phase {
	if record.Expired() {
		return PhaseExpired
	}
	if record.Status != SubCompleted {
		return PhaseSigning
	}
	if mode.Enabled() && record.PaymentStatus != SubCompleted {
		return PhasePayment
	}
	return PhaseReady
}

// PaymentState names the payment leg of a status response: "not_required"
// when payments are disabled, otherwise the record's payment sub-status
// (pending when unset).
func PaymentState(record *Record, mode payment.Mode) string {
	if !mode.Enabled() {
		return "not_required"
	}
	if record.PaymentStatus == "" {
		return string(SubPending)
	}
	return string(record.PaymentStatus)
}

// SigningURL builds the sign-page URL for |requestId| under |base|.
func SigningURL(base, requestID string) string {
	return strings.TrimSuffix(base, "/") + "/s/" + requestID
}

// PaymentURL builds the pay-page URL for |requestId| under |base|.
func PaymentURL(base, requestID string) string {
	return strings.TrimSuffix(base, "/") + "/pay/" + requestID
}
