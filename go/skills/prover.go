package skills

import "context"

// ProveRequest carries everything the proving backend needs for one proof.
type ProveRequest struct {
	CircuitID   string   `json:"circuitId"`
	Address     string   `json:"address"`
	Signature   string   `json:"signature"`
	Scope       string   `json:"scope"`
	SignalHash  string   `json:"signalHash"`
	CountryList []string `json:"countryList,omitempty"`
	IsIncluded  bool     `json:"isIncluded,omitempty"`
}

// ProveResult is the opaque output of the proving backend.
type ProveResult struct {
	Proof        string   `json:"proof"`
	PublicInputs []string `json:"publicInputs"`
	Nullifier    string   `json:"nullifier,omitempty"`
}

// Prover is the opaque proving backend: local CLI binaries or any other
// implementation. Calls may take seconds to minutes.
type Prover interface {
	Prove(ctx context.Context, req ProveRequest) (*ProveResult, error)
}

// TeeProvider runs proofs inside a trusted execution environment and can
// produce attestation documents over arbitrary digests.
type TeeProvider interface {
	Prover
	Attest(ctx context.Context, digest []byte) (string, error)
}
