package server

import (
	"net/http"
	"strings"
	"testing"

	"github.com/attestry/proofgate/go/payment"
	"github.com/stretchr/testify/require"
)

func signingRequest(scope string) map[string]interface{} {
	return map[string]interface{}{
		"circuitId": "coinbase_attestation",
		"scope":     scope,
	}
}

func TestSigningSessionCreation(t *testing.T) {
	var f = newFixture(t, payment.ModeDisabled, nil)

	var rec = f.do(t, "POST", "/api/v1/signing", signingRequest("test-scope"))
	require.Equal(t, http.StatusOK, rec.Code)

	var body = decodeBody(t, rec)
	var requestID, ok = body["requestId"].(string)
	require.True(t, ok)
	require.NotEmpty(t, requestID)
	var signingURL = body["signingUrl"].(string)
	require.True(t, strings.HasSuffix(signingURL, "/s/"+requestID))
}

func TestSigningSessionRejectsUnknownCircuit(t *testing.T) {
	var f = newFixture(t, payment.ModeDisabled, nil)
	var rec = f.do(t, "POST", "/api/v1/signing", map[string]interface{}{
		"circuitId": "no_such_circuit", "scope": "x",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSigningSessionRequiresCountryInputs(t *testing.T) {
	var f = newFixture(t, payment.ModeDisabled, nil)
	var rec = f.do(t, "POST", "/api/v1/signing", map[string]interface{}{
		"circuitId": "coinbase_country_attestation", "scope": "x",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSigningStatusPending(t *testing.T) {
	var f = newFixture(t, payment.ModeDisabled, nil)

	var created = decodeBody(t, f.do(t, "POST", "/api/v1/signing", signingRequest("pending-scope")))
	var requestID = created["requestId"].(string)

	var rec = f.do(t, "GET", "/api/v1/signing/"+requestID+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body = decodeBody(t, rec)
	require.Equal(t, "signing", body["phase"])
	require.Equal(t, "pending",
		body["signing"].(map[string]interface{})["status"])
	require.Equal(t, "not_required",
		body["payment"].(map[string]interface{})["status"])
	require.NotEmpty(t, body["expiresAt"])
}

func TestSigningStatusUnknownRequest(t *testing.T) {
	var f = newFixture(t, payment.ModeDisabled, nil)
	var rec = f.do(t, "GET", "/api/v1/signing/absent/status", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

// The full REST lifecycle: create, sign, prove, then re-verify through the
// stored proof link.
func TestProofLifecycle(t *testing.T) {
	var f = newFixture(t, payment.ModeDisabled, nil)

	var created = decodeBody(t, f.do(t, "POST", "/api/v1/signing", signingRequest("lifecycle")))
	var requestID = created["requestId"].(string)
	f.completeSigning(t, requestID)

	var status = decodeBody(t, f.do(t, "GET", "/api/v1/signing/"+requestID+"/status", nil))
	require.Equal(t, "ready", status["phase"])
	require.Equal(t, "completed",
		status["signing"].(map[string]interface{})["status"])

	var rec = f.do(t, "POST", "/api/v1/proofs", map[string]interface{}{
		"requestId": requestID,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var proof = decodeBody(t, rec)
	require.Equal(t, "0xdeadbeef", proof["proof"])
	require.Equal(t, "0x02", proof["nullifier"])
	var proofID = proof["proofId"].(string)
	require.True(t, strings.HasSuffix(proof["verifyUrl"].(string), "/api/v1/verify/"+proofID))

	// Session records are one-shot; a second proof against the same request
	// must fail.
	rec = f.do(t, "POST", "/api/v1/proofs", map[string]interface{}{"requestId": requestID})
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Stored re-verification through the fake chain caller.
	rec = f.do(t, "GET", "/api/v1/verify/"+proofID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var verified = decodeBody(t, rec)
	require.Equal(t, true, verified["isValid"])
	require.Equal(t, "84532", verified["chainId"])
	require.Equal(t, "0x02", verified["nullifier"])
}

func TestProofBeforeSigningIsRejected(t *testing.T) {
	var f = newFixture(t, payment.ModeDisabled, nil)

	var created = decodeBody(t, f.do(t, "POST", "/api/v1/signing", signingRequest("unsigned")))
	var rec = f.do(t, "POST", "/api/v1/proofs", map[string]interface{}{
		"requestId": created["requestId"].(string),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyProofEndpoint(t *testing.T) {
	var f = newFixture(t, payment.ModeDisabled, nil)

	var rec = f.do(t, "POST", "/api/v1/proofs/verify", map[string]interface{}{
		"circuitId":    "coinbase_attestation",
		"proof":        "0xdeadbeef",
		"publicInputs": []string{"0x0000000000000000000000000000000000000000000000000000000000000001"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body = decodeBody(t, rec)
	require.Equal(t, true, body["valid"])
	require.Equal(t, "84532", body["chainId"])
	require.NotEmpty(t, body["verifierAddress"])
}

func TestCircuitsEndpoint(t *testing.T) {
	var f = newFixture(t, payment.ModeDisabled, nil)
	var rec = f.do(t, "GET", "/api/v1/circuits?chainId=8453", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body = decodeBody(t, rec)
	require.Equal(t, "8453", body["chainId"])
	require.NotEmpty(t, body["circuits"])
}

func TestFlowCreateAndAdvance(t *testing.T) {
	var f = newFixture(t, payment.ModeDisabled, nil)

	var rec = f.do(t, "POST", "/api/v1/flow", signingRequest("flow-scope"))
	require.Equal(t, http.StatusOK, rec.Code)

	var created = decodeBody(t, rec)
	var flowID = created["flowId"].(string)
	require.Equal(t, "signing", created["phase"])
	var requestID = created["requestId"].(string)
	require.True(t, strings.HasSuffix(created["signingUrl"].(string), "/s/"+requestID))

	// Polling an unsigned flow leaves it in the signing phase.
	rec = f.do(t, "GET", "/api/v1/flow/"+flowID, nil)
	require.Equal(t, "signing", decodeBody(t, rec)["phase"])

	// After the wallet signs, a poll advances straight through proving.
	f.completeSigning(t, requestID)
	rec = f.do(t, "GET", "/api/v1/flow/"+flowID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var advanced = decodeBody(t, rec)
	require.Equal(t, "completed", advanced["phase"])
	var result = advanced["proofResult"].(map[string]interface{})
	require.Equal(t, "0xdeadbeef", result["proof"])
}

func TestFlowEventsStreamTerminalFlow(t *testing.T) {
	var f = newFixture(t, payment.ModeDisabled, nil)

	var created = decodeBody(t, f.do(t, "POST", "/api/v1/flow", signingRequest("events-scope")))
	var flowID = created["flowId"].(string)
	f.completeSigning(t, created["requestId"].(string))

	// Drive the flow to completion, then stream it.
	var advanced = decodeBody(t, f.do(t, "GET", "/api/v1/flow/"+flowID, nil))
	require.Equal(t, "completed", advanced["phase"])

	var rec = f.do(t, "GET", "/api/v1/flow/"+flowID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	// A terminal flow replays its state and closes: one phase frame, one
	// done frame.
	var frames = rec.Body.String()
	require.True(t, strings.HasPrefix(frames, "event: phase\n"))
	require.Contains(t, frames, `"phase":"completed"`)
	require.Contains(t, frames, "event: done\n")
	require.Contains(t, frames, "0xdeadbeef")
}

func TestFlowUnknownID(t *testing.T) {
	var f = newFixture(t, payment.ModeDisabled, nil)
	var rec = f.do(t, "GET", "/api/v1/flow/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, "GET", "/api/v1/flow/missing/events", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
