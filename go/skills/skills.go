// Package skills is the single source of truth for the gateway's six
// canonical capabilities. Every wire surface (A2A, MCP, REST, chat) and the
// task worker dispatch into this layer; none of them reimplement skill
// semantics.
package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/attestry/proofgate/go/fault"
	"github.com/attestry/proofgate/go/payment"
	"github.com/attestry/proofgate/go/session"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	log "github.com/sirupsen/logrus"
)

// Skill names.
const (
	SkillRequestSigning       = "request_signing"
	SkillCheckStatus          = "check_status"
	SkillRequestPayment       = "request_payment"
	SkillGenerateProof        = "generate_proof"
	SkillVerifyProof          = "verify_proof"
	SkillGetSupportedCircuits = "get_supported_circuits"
)

// Names lists every skill, in catalog order.
var Names = []string{
	SkillRequestSigning,
	SkillCheckStatus,
	SkillRequestPayment,
	SkillGenerateProof,
	SkillVerifyProof,
	SkillGetSupportedCircuits,
}

// Known reports whether |name| is a recognized skill.
func Known(name string) bool {
	for _, n := range Names {
		if n == name {
			return true
		}
	}
	return false
}

// Heavy reports whether |name| runs the prover or an on-chain call and must
// be queued rather than executed inline.
func Heavy(name string) bool {
	return name == SkillGenerateProof || name == SkillVerifyProof
}

// TEE modes.
const (
	TeeDisabled = "disabled"
	TeeAuto     = "auto"
	TeeLocal    = "local"
	TeeNitro    = "nitro"
)

// Deps is the injected bundle shared by all skills.
type Deps struct {
	Sessions    *session.Store
	Proofs      *ProofStore
	SignPageURL string
	BaseURL     string

	PaymentMode payment.Mode
	Requirement payment.Requirement

	Prover             Prover
	Tee                TeeProvider
	TeeMode            string
	AttestationEnabled bool

	Limiter  *Limiter
	Cache    *ProofCache
	Verifier *ChainVerifier

	// DefaultChainID resolves verify_proof calls that omit chainId.
	DefaultChainID int64
}

// Skills executes the canonical skill set over a Deps bundle.
type Skills struct {
	deps Deps
}

// New builds the skill layer.
func New(deps Deps) *Skills {
	if deps.TeeMode == "" {
		deps.TeeMode = TeeDisabled
	}
	if deps.DefaultChainID == 0 {
		deps.DefaultChainID = 84532
	}
	return &Skills{deps: deps}
}

// Result is a skill's structured output, serialized as-is onto every wire
// surface.
type Result map[string]interface{}

// RequestSigningParams are the inputs of request_signing.
type RequestSigningParams struct {
	CircuitID   string   `json:"circuitId"`
	Scope       string   `json:"scope"`
	CountryList []string `json:"countryList,omitempty"`
	IsIncluded  *bool    `json:"isIncluded,omitempty"`
}

// RequestSigning allocates a fresh signing session. Pure allocation, no
// blocking work beyond the record write.
func (s *Skills) RequestSigning(ctx context.Context, params RequestSigningParams) (Result, error) {
	var circuit, err = LookupCircuit(params.CircuitID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.Scope) == "" {
		return nil, fault.New(fault.InvalidArgument, "scope must not be blank")
	}
	if circuit.RequiresCountryList() && (len(params.CountryList) == 0 || params.IsIncluded == nil) {
		return nil, fault.New(fault.InvalidArgument,
			"circuit %s requires countryList and isIncluded", params.CircuitID)
	}

	record, err := s.deps.Sessions.Create(ctx, params.CircuitID, params.Scope, params.CountryList, params.IsIncluded)
	if err != nil {
		return nil, err
	}
	return Result{
		"requestId":  record.ID,
		"signingUrl": session.SigningURL(s.deps.SignPageURL, record.ID),
		"expiresAt":  record.ExpiresAt.Format(time.RFC3339),
		"circuitId":  record.CircuitID,
		"scope":      record.Scope,
	}, nil
}

// CheckStatus reports the session phase for |requestId|. Pure observation.
func (s *Skills) CheckStatus(ctx context.Context, requestID string) (Result, error) {
	var record, err = s.deps.Sessions.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}

	var phase = session.PhaseOf(record, s.deps.PaymentMode)
	var result = Result{
		"requestId": record.ID,
		"phase":     string(phase),
		"signing":   map[string]interface{}{"status": string(record.Status)},
		"payment":   map[string]interface{}{"status": session.PaymentState(record, s.deps.PaymentMode)},
		"expiresAt": record.ExpiresAt.Format(time.RFC3339),
	}
	if phase == session.PhasePayment {
		result["paymentUrl"] = session.PaymentURL(s.deps.SignPageURL, record.ID)
	}
	return result, nil
}

// RequestPayment marks the session's payment leg pending and returns payment
// instructions. Idempotent on an already-pending record.
func (s *Skills) RequestPayment(ctx context.Context, requestID string) (Result, error) {
	if !s.deps.PaymentMode.Enabled() {
		return nil, fault.New(fault.InvalidArgument, "payments are disabled")
	}
	var record, err = s.deps.Sessions.MarkPaymentPending(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return Result{
		"requestId":  record.ID,
		"paymentUrl": session.PaymentURL(s.deps.SignPageURL, record.ID),
		"amount":     s.deps.Requirement.Amount,
		"currency":   s.deps.Requirement.Extra.Name,
		"network":    s.deps.Requirement.Network,
	}, nil
}

// GenerateProofParams are the inputs of generate_proof. Session mode sets
// RequestID; direct mode sets Address/Signature/Scope/CircuitID instead.
type GenerateProofParams struct {
	RequestID   string   `json:"requestId,omitempty"`
	Address     string   `json:"address,omitempty"`
	Signature   string   `json:"signature,omitempty"`
	Scope       string   `json:"scope,omitempty"`
	CircuitID   string   `json:"circuitId,omitempty"`
	CountryList []string `json:"countryList,omitempty"`
	IsIncluded  *bool    `json:"isIncluded,omitempty"`
}

// GenerateProof runs the prover. In session mode the record is the single
// source of truth for inputs and is consumed exactly once; direct mode is
// only honored when payments are disabled.
func (s *Skills) GenerateProof(ctx context.Context, params GenerateProofParams) (Result, error) {
	var req ProveRequest
	var paymentTxHash string

	if params.RequestID != "" {
		var record, err = s.deps.Sessions.Get(ctx, params.RequestID)
		if err != nil {
			return nil, err
		}
		switch session.PhaseOf(record, s.deps.PaymentMode) {
		case session.PhaseExpired:
			return nil, fault.New(fault.InvalidArgument, "signing request %s has expired", record.ID)
		case session.PhaseSigning:
			return nil, fault.New(fault.InvalidTransition, "signing not complete for request %s", record.ID)
		case session.PhasePayment:
			return nil, fault.New(fault.PaymentRequired, "payment not complete for request %s", record.ID)
		}
		// The record is a one-shot capability; consume it before proving so
		// retries cannot replay it.
		if record, err = s.deps.Sessions.Consume(ctx, params.RequestID); err != nil {
			return nil, err
		}
		req = ProveRequest{
			CircuitID:   record.CircuitID,
			Address:     record.Address,
			Signature:   record.Signature,
			Scope:       record.Scope,
			SignalHash:  record.SignalHash,
			CountryList: record.CountryList,
		}
		if record.IsIncluded != nil {
			req.IsIncluded = *record.IsIncluded
		}
		paymentTxHash = record.PaymentTxHash
	} else {
		if s.deps.PaymentMode.Enabled() {
			return nil, fault.New(fault.PaymentRequired,
				"direct proof generation requires a signing session when payments are enabled")
		}
		if params.Address == "" || params.Signature == "" || params.Scope == "" || params.CircuitID == "" {
			return nil, fault.New(fault.InvalidArgument,
				"direct mode requires address, signature, scope, and circuitId")
		}
		req = ProveRequest{
			CircuitID:   params.CircuitID,
			Address:     common.HexToAddress(params.Address).Hex(),
			Signature:   params.Signature,
			Scope:       params.Scope,
			SignalHash:  session.SignalHash(params.Address, params.Scope, params.CircuitID),
			CountryList: params.CountryList,
		}
		if params.IsIncluded != nil {
			req.IsIncluded = *params.IsIncluded
		}
	}

	circuit, err := LookupCircuit(req.CircuitID)
	if err != nil {
		return nil, err
	}
	if circuit.RequiresCountryList() && len(req.CountryList) == 0 {
		return nil, fault.New(fault.InvalidArgument,
			"circuit %s requires countryList", req.CircuitID)
	}

	if delay, ok := s.deps.Limiter.Reserve(req.Address); !ok {
		return nil, fault.Ratelimited(delay)
	}

	if cached, ok := s.deps.Cache.Get(req); ok {
		return s.proofResult(ctx, req, cached, paymentTxHash, true)
	}

	var prover Prover = s.deps.Prover
	if s.deps.TeeMode == TeeNitro && s.deps.Tee != nil {
		prover = s.deps.Tee
	}
	if prover == nil {
		return nil, fault.New(fault.Internal, "no proving backend configured")
	}

	result, err := prover.Prove(ctx, req)
	if err != nil {
		return nil, err
	}
	s.deps.Cache.Put(req, result)
	return s.proofResult(ctx, req, result, paymentTxHash, false)
}

// proofResult assembles the generate_proof response, storing the proof blob
// and optionally attaching a TEE attestation.
func (s *Skills) proofResult(ctx context.Context, req ProveRequest, result *ProveResult, paymentTxHash string, cached bool) (Result, error) {
	var proofID, err = s.deps.Proofs.Put(ctx, req.CircuitID, req.SignalHash, result)
	if err != nil {
		return nil, err
	}

	var out = Result{
		"proof":        result.Proof,
		"publicInputs": result.PublicInputs,
		"nullifier":    result.Nullifier,
		"signalHash":   req.SignalHash,
		"proofId":      proofID,
		"verifyUrl":    strings.TrimSuffix(s.deps.BaseURL, "/") + "/api/v1/verify/" + proofID,
	}
	if cached {
		out["cached"] = true
	}
	if paymentTxHash != "" {
		out["paymentTxHash"] = paymentTxHash
	}

	if s.deps.AttestationEnabled && s.deps.Tee != nil && !cached {
		attestation, err := s.deps.Tee.Attest(ctx, crypto.Keccak256(common.FromHex(result.Proof)))
		if err != nil {
			// Attestation is best-effort; the proof stands without it.
			log.WithField("err", err).Warn("attestation failed")
		} else {
			out["attestation"] = attestation
		}
	}
	return out, nil
}

// VerifyProofParams are the inputs of verify_proof. PublicInputs accepts
// either one contiguous hex string or a list of 32-byte words.
type VerifyProofParams struct {
	CircuitID    string      `json:"circuitId"`
	Proof        string      `json:"proof"`
	PublicInputs interface{} `json:"publicInputs"`
	ChainID      string      `json:"chainId,omitempty"`
}

// VerifyProof checks a proof against the on-chain verifier. Contract
// reverts are reported as {valid: false, error} rather than raised.
func (s *Skills) VerifyProof(ctx context.Context, params VerifyProofParams) (Result, error) {
	if _, err := LookupCircuit(params.CircuitID); err != nil {
		return nil, err
	}
	if params.Proof == "" {
		return nil, fault.New(fault.InvalidArgument, "proof must not be empty")
	}

	inputs, err := NormalizePublicInputs(params.PublicInputs)
	if err != nil {
		return nil, err
	}

	var chainID = s.deps.DefaultChainID
	if params.ChainID != "" {
		if chainID, err = strconv.ParseInt(params.ChainID, 10, 64); err != nil {
			return nil, fault.New(fault.InvalidArgument, "invalid chainId %q", params.ChainID)
		}
	}

	verifierAddress, err := VerifierAddress(params.CircuitID, chainID)
	if err != nil {
		return nil, err
	}

	valid, revert, err := s.deps.Verifier.Verify(ctx, params.CircuitID, chainID, params.Proof, inputs)
	if err != nil {
		return nil, err
	}
	var result = Result{
		"valid":           valid,
		"circuitId":       params.CircuitID,
		"chainId":         strconv.FormatInt(chainID, 10),
		"verifierAddress": verifierAddress,
	}
	if revert != "" {
		result["error"] = revert
	}
	return result, nil
}

// NormalizePublicInputs accepts a hex string or a list and returns 32-byte
// hex words.
func NormalizePublicInputs(raw interface{}) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return SplitHexToBytes32(v)
	case []string:
		return v, nil
	case []interface{}:
		var out = make([]string, 0, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, fault.New(fault.InvalidArgument, "public inputs must be strings")
			}
			out = append(out, str)
		}
		return out, nil
	}
	return nil, fault.New(fault.InvalidArgument, "public inputs must be a hex string or list")
}

// GetSupportedCircuits lists circuit metadata, pure and idempotent.
func (s *Skills) GetSupportedCircuits(chainID string) Result {
	return Result(SupportedCircuits(chainID))
}

// CompleteSigning is the sign-page callback: it stores the wallet address
// and verified signature on the session record.
func (s *Skills) CompleteSigning(ctx context.Context, requestID, address, signature string) (Result, error) {
	var record, err = s.deps.Sessions.CompleteSigning(ctx, requestID, address, signature)
	if err != nil {
		return nil, err
	}
	return Result{
		"requestId":  record.ID,
		"status":     string(record.Status),
		"signalHash": record.SignalHash,
	}, nil
}

// AttachPayment records a settled x402 payment transaction on the session,
// completing its payment leg.
func (s *Skills) AttachPayment(ctx context.Context, requestID, txHash string) error {
	var _, err = s.deps.Sessions.CompletePayment(ctx, requestID, txHash)
	return err
}

// VerifyStoredProof re-verifies a previously generated proof by id, as
// linked from verify URLs and QR codes.
func (s *Skills) VerifyStoredProof(ctx context.Context, proofID, chainID string) (Result, error) {
	var stored, err = s.deps.Proofs.Get(ctx, proofID)
	if err != nil {
		return nil, err
	}
	result, err := s.VerifyProof(ctx, VerifyProofParams{
		CircuitID:    stored.CircuitID,
		Proof:        stored.Proof,
		PublicInputs: stored.PublicInputs,
		ChainID:      chainID,
	})
	if err != nil {
		return nil, err
	}
	var out = Result{
		"isValid":         result["valid"],
		"verifierAddress": result["verifierAddress"],
		"chainId":         result["chainId"],
		"nullifier":       stored.Nullifier,
	}
	if revert, ok := result["error"]; ok {
		out["error"] = revert
	}
	return out, nil
}

// Invoke dispatches |name| with loosely-typed |params|, as received from
// wire surfaces and the LLM router.
func (s *Skills) Invoke(ctx context.Context, name string, params map[string]interface{}) (Result, error) {
	switch name {
	case SkillRequestSigning:
		var p RequestSigningParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return s.RequestSigning(ctx, p)
	case SkillCheckStatus:
		return s.CheckStatus(ctx, stringParam(params, "requestId"))
	case SkillRequestPayment:
		return s.RequestPayment(ctx, stringParam(params, "requestId"))
	case SkillGenerateProof:
		var p GenerateProofParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return s.GenerateProof(ctx, p)
	case SkillVerifyProof:
		var p VerifyProofParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return s.VerifyProof(ctx, p)
	case SkillGetSupportedCircuits:
		return s.GetSupportedCircuits(stringParam(params, "chainId")), nil
	}
	return nil, fault.New(fault.InvalidArgument, "unknown skill %q", name)
}

// decodeParams maps loose wire params onto a typed struct.
func decodeParams(params map[string]interface{}, into interface{}) error {
	var raw, err = json.Marshal(params)
	if err != nil {
		return fault.Wrap(fault.InvalidArgument, err, "encoding skill params")
	}
	if err = json.Unmarshal(raw, into); err != nil {
		return fault.Wrap(fault.InvalidArgument, err, "decoding skill params")
	}
	return nil
}

func stringParam(params map[string]interface{}, key string) string {
	var v, _ = params[key].(string)
	return v
}

// Summary renders a one-line human description of a skill result, used as
// the leading text part of task artifacts.
func Summary(skill string, result Result) string {
	switch skill {
	case SkillRequestSigning:
		return fmt.Sprintf("Signing session created. Open %v to sign.", result["signingUrl"])
	case SkillCheckStatus:
		return fmt.Sprintf("Session phase: %v.", result["phase"])
	case SkillRequestPayment:
		return fmt.Sprintf("Payment of %v %v requested. Pay at %v.",
			result["amount"], result["currency"], result["paymentUrl"])
	case SkillGenerateProof:
		if result["cached"] == true {
			return "Proof served from cache."
		}
		return "Proof generated successfully."
	case SkillVerifyProof:
		if result["valid"] == true {
			return "Proof is valid."
		}
		return "Proof is invalid."
	case SkillGetSupportedCircuits:
		return "Supported circuits listed."
	}
	return "Skill completed."
}
