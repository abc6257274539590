//go:build !linux

// Package tee runs proofs inside an AWS Nitro enclave. Vsock transport is
// Linux-only; other platforms get a provider that always fails.
package tee

import (
	"context"
	"time"

	"github.com/attestry/proofgate/go/fault"
	"github.com/attestry/proofgate/go/skills"
)

// Nitro is unavailable off Linux.
type Nitro struct{}

// NewNitro returns the unavailable provider.
func NewNitro(cid, port uint32, timeout time.Duration) *Nitro { return &Nitro{} }

func (n *Nitro) Prove(context.Context, skills.ProveRequest) (*skills.ProveResult, error) {
	return nil, fault.New(fault.UpstreamFailure, "nitro enclaves require linux vsock support")
}

func (n *Nitro) Attest(context.Context, []byte) (string, error) {
	return "", fault.New(fault.UpstreamFailure, "nitro enclaves require linux vsock support")
}
