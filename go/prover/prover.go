// Package prover adapts the external proving toolchain to the skill layer's
// Prover interface. The binary is opaque: it reads a JSON prove request on
// stdin and writes a JSON result on stdout.
package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/attestry/proofgate/go/fault"
	"github.com/attestry/proofgate/go/skills"
	log "github.com/sirupsen/logrus"
)

// Local runs the proving binary as a subprocess.
type Local struct {
	binary      string
	circuitsDir string
	timeout     time.Duration
	env         []string
}

// NewLocal builds a Local prover invoking |binary| with circuits from
// |circuitsDir|. A non-positive |timeout| selects 5 minutes.
func NewLocal(binary, circuitsDir string, timeout time.Duration) *Local {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Local{binary: binary, circuitsDir: circuitsDir, timeout: timeout}
}

// WithEnv appends KEY=VALUE pairs to the subprocess environment. The binary
// reads its chain RPC and attestation endpoints from there.
func (l *Local) WithEnv(env ...string) *Local {
	l.env = append(l.env, env...)
	return l
}

// Prove implements skills.Prover.
func (l *Local) Prove(ctx context.Context, req skills.ProveRequest) (*skills.ProveResult, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var input, err = json.Marshal(req)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "encoding prove request")
	}

	var started = time.Now()
	var cmd = exec.CommandContext(ctx, l.binary, "prove",
		"--circuit", req.CircuitID, "--circuits-dir", l.circuitsDir)
	cmd.Stdin = bytes.NewReader(input)
	if len(l.env) != 0 {
		cmd.Env = append(os.Environ(), l.env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err = cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fault.Wrap(fault.UpstreamTimeout, err, "prover timed out")
		}
		log.WithFields(log.Fields{
			"circuit": req.CircuitID,
			"stderr":  stderr.String(),
			"err":     err,
		}).Error("prover invocation failed")
		return nil, fault.Wrap(fault.UpstreamFailure, err, "prover failed")
	}

	var result skills.ProveResult
	if err = json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fault.Wrap(fault.UpstreamFailure, err, "parsing prover output")
	}
	if result.Proof == "" {
		return nil, fault.New(fault.UpstreamFailure, "prover produced no proof")
	}

	log.WithFields(log.Fields{
		"circuit": req.CircuitID,
		"took":    time.Since(started).String(),
	}).Info("proof generated")
	return &result, nil
}
