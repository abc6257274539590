package skills

import (
	"context"
	"time"

	"github.com/attestry/proofgate/go/fault"
	"github.com/attestry/proofgate/go/kv"
	"github.com/google/uuid"
)

// StoredProof is the compact blob persisted under proof:{proofId} so the
// verify URL can re-check a proof without the caller resending it.
type StoredProof struct {
	ProofID      string    `json:"proofId"`
	CircuitID    string    `json:"circuitId"`
	Proof        string    `json:"proof"`
	PublicInputs []string  `json:"publicInputs"`
	Nullifier    string    `json:"nullifier,omitempty"`
	SignalHash   string    `json:"signalHash,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

const (
	proofKeyPrefix = "proof:"
	proofTTL       = 24 * time.Hour
)

// ProofStore persists generated proofs for later URL-based verification.
type ProofStore struct {
	kv kv.Store
}

// NewProofStore builds a ProofStore over |store|.
func NewProofStore(store kv.Store) *ProofStore { return &ProofStore{kv: store} }

// Put stores the proof under a fresh id and returns it.
func (s *ProofStore) Put(ctx context.Context, circuitID, signalHash string, result *ProveResult) (string, error) {
	var stored = StoredProof{
		ProofID:      uuid.NewString(),
		CircuitID:    circuitID,
		Proof:        result.Proof,
		PublicInputs: result.PublicInputs,
		Nullifier:    result.Nullifier,
		SignalHash:   signalHash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := kv.SetJSON(ctx, s.kv, proofKeyPrefix+stored.ProofID, stored, proofTTL); err != nil {
		return "", err
	}
	return stored.ProofID, nil
}

// Get loads the proof at |proofId|.
func (s *ProofStore) Get(ctx context.Context, proofID string) (*StoredProof, error) {
	var stored StoredProof
	if err := kv.GetJSON(ctx, s.kv, proofKeyPrefix+proofID, &stored); err != nil {
		if fault.Is(err, fault.NotFound) {
			return nil, fault.New(fault.NotFound, "proof %s not found", proofID)
		}
		return nil, err
	}
	return &stored, nil
}
