package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/attestry/proofgate/go/events"
	"github.com/attestry/proofgate/go/flow"
	"github.com/attestry/proofgate/go/kv"
	"github.com/attestry/proofgate/go/payment"
	"github.com/attestry/proofgate/go/router"
	"github.com/attestry/proofgate/go/session"
	"github.com/attestry/proofgate/go/skills"
	"github.com/attestry/proofgate/go/taskstore"
	"github.com/attestry/proofgate/go/worker"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

type fakeProver struct{}

func (fakeProver) Prove(context.Context, skills.ProveRequest) (*skills.ProveResult, error) {
	return &skills.ProveResult{
		Proof:        "0xdeadbeef",
		PublicInputs: []string{"0x0000000000000000000000000000000000000000000000000000000000000001"},
		Nullifier:    "0x02",
	}, nil
}

// trueCaller answers every eth_call with an ABI-encoded true.
type trueCaller struct{}

func (trueCaller) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return append(make([]byte, 31), 1), nil
}

// stubFacilitator accepts every payment with a fixed settlement transaction.
type stubFacilitator struct{}

func (stubFacilitator) Settle(context.Context, *payment.Payload, payment.Requirement) (*payment.SettleResult, error) {
	return &payment.SettleResult{Success: true, Transaction: "0xfeed", Network: "base-sepolia"}, nil
}

var testRequirement = payment.Requirement{
	Scheme: "exact", Network: "base-sepolia", Amount: "10000",
	Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	PayTo:             "0x1111111111111111111111111111111111111111",
	MaxTimeoutSeconds: 60,
	Extra:             payment.RequirementExtra{Name: "USDC", Version: "2"},
}

type fixture struct {
	server   *Server
	handler  http.Handler
	sessions *session.Store
	tasks    *taskstore.Store
	worker   *worker.Worker
	gate     *payment.Gate
}

func newFixture(t *testing.T, mode payment.Mode, model llms.Model) *fixture {
	var mr = miniredis.RunT(t)
	var store = kv.NewRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	var sessions = session.NewStore(store, time.Minute)
	var tasks = taskstore.NewStore(store)
	var bus = events.NewBus()

	var requirement = testRequirement
	var sk = skills.New(skills.Deps{
		Sessions:    sessions,
		Proofs:      skills.NewProofStore(store),
		SignPageURL: "https://sign.example",
		BaseURL:     "https://gw.example",
		PaymentMode: mode,
		Requirement: requirement,
		Prover:      fakeProver{},
		Verifier:    skills.NewChainVerifier(nil).WithCaller(84532, trueCaller{}),
	})

	var wk = worker.New(tasks, sk, bus, nil, time.Second)
	var gate = &payment.Gate{
		Mode:        mode,
		Requirement: requirement,
		Facilitator: stubFacilitator{},
		Records:     payment.NewRecords(store),
		BaseURL:     "https://gw.example",
	}
	var srv = New(Config{
		BaseURL:          "https://gw.example",
		SignPageURL:      "https://sign.example",
		AgentName:        "proofgate",
		AgentDescription: "Zero-knowledge proof gateway",
		IdentityContract: "0x2222222222222222222222222222222222222222",
		IdentityChainID:  84532,
		IdentityTokenID:  7,
	}, store, sk, tasks, bus, router.New(model),
		flow.NewOrchestrator(store, sk), wk, gate, model)

	return &fixture{
		server:   srv,
		handler:  srv.Routes(),
		sessions: sessions,
		tasks:    tasks,
		worker:   wk,
		gate:     gate,
	}
}

// do issues a JSON request against the route tree.
func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	var req = httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	var rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

// doWithPayment issues a JSON request carrying an x402 payment header.
func (f *fixture) doWithPayment(t *testing.T, path string, body interface{}, encoded string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	var req = httptest.NewRequest("POST", path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(payment.HeaderXPayment, encoded)
	var rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

// signedPaymentHeader builds an encoded payment payload whose EIP-3009
// authorization is signed with a fresh wallet key.
func signedPaymentHeader(t *testing.T) string {
	t.Helper()
	var key, err = crypto.GenerateKey()
	require.NoError(t, err)

	var payload = &payment.Payload{X402Version: 1, Accepted: testRequirement}
	payload.Payload.Authorization = payment.Authorization{
		From:        crypto.PubkeyToAddress(key.PublicKey).Hex(),
		To:          testRequirement.PayTo,
		Value:       testRequirement.Amount,
		ValidAfter:  "0",
		ValidBefore: "99999999999",
		Nonce:       "0x0000000000000000000000000000000000000000000000000000000000000002",
	}
	digest, err := payment.AuthorizationDigest(payload.Payload.Authorization, testRequirement, 84532)
	require.NoError(t, err)
	sig, err := crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)
	sig[64] += 27
	payload.Payload.Signature = hexutil.Encode(sig)
	return payload.Encode()
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// completeSigning signs the session record with a fresh wallet key through
// the public completion endpoint.
func (f *fixture) completeSigning(t *testing.T, requestID string) string {
	t.Helper()
	record, err := f.sessions.Get(context.Background(), requestID)
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sig, err := crypto.Sign(accounts.TextHash([]byte(session.SigningPayload(record))), key)
	require.NoError(t, err)
	sig[64] += 27

	var address = crypto.PubkeyToAddress(key.PublicKey).Hex()
	var rec = f.do(t, "POST", "/api/v1/signing/"+requestID+"/complete", map[string]interface{}{
		"address": address, "signature": hexutil.Encode(sig),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	return address
}

func TestHealthz(t *testing.T) {
	var f = newFixture(t, payment.ModeDisabled, nil)
	var rec = f.do(t, "GET", "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decodeBody(t, rec)["status"])
}
