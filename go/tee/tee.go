//go:build linux

// Package tee runs proofs inside an AWS Nitro enclave. The enclave proxy
// listens on a vsock port and speaks newline-delimited JSON: one request
// object in, one response object out, one connection per call.
package tee

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/attestry/proofgate/go/fault"
	"github.com/attestry/proofgate/go/skills"
	"github.com/ethereum/go-ethereum/common/hexutil"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Nitro implements skills.TeeProvider over an AF_VSOCK stream socket.
type Nitro struct {
	cid     uint32
	port    uint32
	timeout time.Duration
}

// NewNitro builds a provider dialing enclave |cid| on |port|. A non-positive
// |timeout| selects 5 minutes, matching the local prover.
func NewNitro(cid, port uint32, timeout time.Duration) *Nitro {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Nitro{cid: cid, port: port, timeout: timeout}
}

type enclaveRequest struct {
	Method  string               `json:"method"`
	Request *skills.ProveRequest `json:"request,omitempty"`
	Digest  string               `json:"digest,omitempty"`
}

type enclaveResponse struct {
	Result      *skills.ProveResult `json:"result,omitempty"`
	Attestation string              `json:"attestation,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// call opens a fresh vsock connection, writes |req|, and reads one response.
func (n *Nitro) call(ctx context.Context, req enclaveRequest) (*enclaveResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	var fd, err = unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening vsock socket: %w", err)
	}
	if err = unix.Connect(fd, &unix.SockaddrVM{CID: n.cid, Port: n.port}); err != nil {
		_ = unix.Close(fd)
		return nil, fault.Wrap(fault.UpstreamFailure, err,
			"enclave cid %d port %d unreachable", n.cid, n.port)
	}
	var conn = os.NewFile(uintptr(fd), "vsock")
	defer conn.Close()

	// Closing the descriptor unblocks the pending read when the deadline
	// passes or the caller gives up.
	var done = make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err = json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fault.Wrap(fault.UpstreamFailure, err, "writing enclave request failed")
	}
	var resp enclaveResponse
	if err = json.NewDecoder(conn).Decode(&resp); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fault.Wrap(fault.UpstreamTimeout, ctx.Err(), "enclave call timed out")
		}
		return nil, fault.Wrap(fault.UpstreamFailure, err, "reading enclave response failed")
	}
	if resp.Error != "" {
		return nil, fault.New(fault.UpstreamFailure, "enclave: %s", resp.Error)
	}
	return &resp, nil
}

// Prove implements skills.Prover inside the enclave.
func (n *Nitro) Prove(ctx context.Context, req skills.ProveRequest) (*skills.ProveResult, error) {
	var started = time.Now()
	resp, err := n.call(ctx, enclaveRequest{Method: "prove", Request: &req})
	if err != nil {
		return nil, err
	}
	if resp.Result == nil {
		return nil, fault.New(fault.UpstreamFailure, "enclave returned no proof")
	}
	log.WithFields(log.Fields{
		"circuit": req.CircuitID,
		"took":    time.Since(started),
	}).Info("enclave proof completed")
	return resp.Result, nil
}

// Attest returns an attestation document over |digest|.
func (n *Nitro) Attest(ctx context.Context, digest []byte) (string, error) {
	var resp, err = n.call(ctx, enclaveRequest{Method: "attest", Digest: hexutil.Encode(digest)})
	if err != nil {
		return "", err
	}
	if resp.Attestation == "" {
		return "", fault.New(fault.UpstreamFailure, "enclave returned no attestation")
	}
	return resp.Attestation, nil
}
