// Package payment implements the pay-per-call pipeline: x402 requirement and
// challenge encoding, EIP-3009 TransferWithAuthorization payload handling,
// the facilitator client, payment records, the per-route payment gate, and
// the settlement worker.
package payment

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/attestry/proofgate/go/fault"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Mode selects whether payments are enforced and which chain backs them.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeTestnet  Mode = "testnet"
	ModeMainnet  Mode = "mainnet"
)

// Enabled reports whether the payment gate is active.
func (m Mode) Enabled() bool { return m == ModeTestnet || m == ModeMainnet }

// Request header names accepted for the x402 payment payload, and the
// response header carrying the machine-readable 402 challenge.
const (
	HeaderPaymentSignature = "Payment-Signature"
	HeaderXPayment         = "X-Payment"
	HeaderPaymentRequired  = "X-Payment-Required"
)

// RequirementExtra carries the EIP-712 domain of the USDC contract, needed
// by the facilitator to verify the client signature without a chain query.
type RequirementExtra struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Requirement describes one acceptable payment (x402 "exact" scheme).
type Requirement struct {
	Scheme            string           `json:"scheme"`
	Network           string           `json:"network"`
	Amount            string           `json:"amount"`
	Asset             string           `json:"asset"`
	PayTo             string           `json:"payTo"`
	MaxTimeoutSeconds int              `json:"maxTimeoutSeconds"`
	Extra             RequirementExtra `json:"extra"`
}

// Resource identifies what is being paid for.
type Resource struct {
	URL         string `json:"url"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Challenge is the 402 header/body object.
type Challenge struct {
	Scheme            string           `json:"scheme"`
	Network           string           `json:"network"`
	Amount            string           `json:"amount"`
	Asset             string           `json:"asset"`
	PayTo             string           `json:"payTo"`
	MaxTimeoutSeconds int              `json:"maxTimeoutSeconds"`
	Extra             RequirementExtra `json:"extra"`
	Resource          Resource         `json:"resource"`
}

// NewChallenge binds |req| to the resource at |url|.
func NewChallenge(req Requirement, url, description string) Challenge {
	return Challenge{
		Scheme:            req.Scheme,
		Network:           req.Network,
		Amount:            req.Amount,
		Asset:             req.Asset,
		PayTo:             req.PayTo,
		MaxTimeoutSeconds: req.MaxTimeoutSeconds,
		Extra:             req.Extra,
		Resource:          Resource{URL: url, Description: description, MimeType: "application/json"},
	}
}

// HeaderValue encodes the challenge for the 402 response header.
func (c Challenge) HeaderValue() string {
	var raw, _ = json.Marshal(c)
	return string(raw)
}

// Authorization is the EIP-3009 TransferWithAuthorization message.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// Payload is the decoded x402 payment header value.
type Payload struct {
	X402Version int         `json:"x402Version"`
	Resource    string      `json:"resource,omitempty"`
	Accepted    Requirement `json:"accepted"`
	Payload     struct {
		Authorization Authorization `json:"authorization"`
		Signature     string        `json:"signature"`
	} `json:"payload"`
}

// DecodePayload parses the base64 JSON payment header value.
func DecodePayload(encoded string) (*Payload, error) {
	var raw, err = base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidArgument, err, "decoding payment header")
	}
	var payload Payload
	if err = json.Unmarshal(raw, &payload); err != nil {
		return nil, fault.Wrap(fault.InvalidArgument, err, "parsing payment payload")
	}
	if payload.Payload.Signature == "" || payload.Payload.Authorization.From == "" {
		return nil, fault.New(fault.InvalidArgument, "payment payload missing authorization or signature")
	}
	return &payload, nil
}

// Encode serializes the payload back into header form. Used by tests and by
// the facilitator client, which forwards the exact payload it received.
func (p *Payload) Encode() string {
	var raw, _ = json.Marshal(p)
	return base64.StdEncoding.EncodeToString(raw)
}

// transferWithAuthorizationTypes is the EIP-712 type set of EIP-3009.
var transferWithAuthorizationTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"TransferWithAuthorization": {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// AuthorizationDigest computes the EIP-712 signing digest of |auth| under
// the USDC domain described by |req|.
func AuthorizationDigest(auth Authorization, req Requirement, chainID int64) (common.Hash, error) {
	var typed = apitypes.TypedData{
		Types:       transferWithAuthorizationTypes,
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              req.Extra.Name,
			Version:           req.Extra.Version,
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: req.Asset,
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       auth.Value,
			"validAfter":  auth.ValidAfter,
			"validBefore": auth.ValidBefore,
			"nonce":       auth.Nonce,
		},
	}

	structHash, err := typed.HashStruct(typed.PrimaryType, typed.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("hashing authorization: %w", err)
	}
	domainHash, err := typed.HashStruct("EIP712Domain", typed.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("hashing domain: %w", err)
	}
	var raw = append([]byte{0x19, 0x01}, domainHash...)
	raw = append(raw, structHash...)
	return common.BytesToHash(crypto.Keccak256(raw)), nil
}

// RecoverPayer recovers the signer of |payload| under |chainID| and checks
// it matches the authorization's from address. This is a local sanity check;
// authoritative verification is the facilitator's job.
func RecoverPayer(payload *Payload, chainID int64) (common.Address, error) {
	var sig = common.FromHex(payload.Payload.Signature)
	if len(sig) != 65 {
		return common.Address{}, fault.New(fault.InvalidArgument, "invalid signature length %d", len(sig))
	}
	digest, err := AuthorizationDigest(payload.Payload.Authorization, payload.Accepted, chainID)
	if err != nil {
		return common.Address{}, err
	}

	// Normalize the recovery id.
	var adjusted = make([]byte, 65)
	copy(adjusted, sig)
	if adjusted[64] >= 27 {
		adjusted[64] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), adjusted)
	if err != nil {
		return common.Address{}, fault.Wrap(fault.InvalidArgument, err, "recovering payer")
	}
	var recovered = crypto.PubkeyToAddress(*pub)
	if recovered != common.HexToAddress(payload.Payload.Authorization.From) {
		return common.Address{}, fault.New(fault.Unauthenticated,
			"payment signer %s does not match authorization from %s",
			recovered.Hex(), payload.Payload.Authorization.From)
	}
	return recovered, nil
}

// NetworkChainID maps an x402 network name to its EVM chain id.
func NetworkChainID(network string) (int64, bool) {
	switch network {
	case "base-sepolia", "eip155:84532":
		return 84532, true
	case "base", "eip155:8453":
		return 8453, true
	}
	return 0, false
}

// ParseAmount parses an integer-string amount in smallest units.
func ParseAmount(amount string) (*big.Int, error) {
	var value, ok = new(big.Int).SetString(amount, 10)
	if !ok || value.Sign() < 0 {
		return nil, fault.New(fault.InvalidArgument, "invalid amount %q", amount)
	}
	return value, nil
}
