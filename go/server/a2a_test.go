package server

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/attestry/proofgate/go/agent"
	"github.com/attestry/proofgate/go/payment"
	"github.com/stretchr/testify/require"
)

func rpc(method string, params interface{}) map[string]interface{} {
	return map[string]interface{}{
		"jsonrpc": "2.0", "id": 1, "method": method, "params": params,
	}
}

func sendSkill(skill string, extra map[string]interface{}) map[string]interface{} {
	var data = map[string]interface{}{"skill": skill}
	for k, v := range extra {
		data[k] = v
	}
	return rpc("message/send", map[string]interface{}{
		"message": map[string]interface{}{
			"role":  "user",
			"parts": []map[string]interface{}{{"kind": "data", "data": data}},
		},
	})
}

func TestMessageSendCircuitsDiscovery(t *testing.T) {
	var f = newFixture(t, payment.ModeDisabled, nil)

	var rec = f.do(t, "POST", "/a2a",
		sendSkill("get_supported_circuits", map[string]interface{}{"chainId": "84532"}))
	require.Equal(t, http.StatusOK, rec.Code)

	var body = decodeBody(t, rec)
	require.Nil(t, body["error"])
	var result = body["result"].(map[string]interface{})
	var status = result["status"].(map[string]interface{})
	require.Equal(t, "completed", status["state"])

	var artifacts = result["artifacts"].([]interface{})
	require.Len(t, artifacts, 1)
	var parts = artifacts[0].(map[string]interface{})["parts"].([]interface{})
	require.Equal(t, "text", parts[0].(map[string]interface{})["kind"])

	var data = parts[1].(map[string]interface{})["data"].(map[string]interface{})
	require.Equal(t, "84532", data["chainId"])
	var ids []string
	for _, c := range data["circuits"].([]interface{}) {
		ids = append(ids, c.(map[string]interface{})["id"].(string))
	}
	require.Contains(t, ids, "coinbase_attestation")
	require.Contains(t, ids, "coinbase_country_attestation")
}

func TestCancelCompletedTaskIsInvalidTransition(t *testing.T) {
	var f = newFixture(t, payment.ModeDisabled, nil)

	var rec = f.do(t, "POST", "/a2a", sendSkill("get_supported_circuits", nil))
	var result = decodeBody(t, rec)["result"].(map[string]interface{})
	var taskID = result["id"].(string)

	rec = f.do(t, "POST", "/a2a", rpc("tasks/cancel", map[string]interface{}{"id": taskID}))
	var rpcErr = decodeBody(t, rec)["error"].(map[string]interface{})
	require.Equal(t, float64(-32002), rpcErr["code"])
	require.Contains(t, rpcErr["message"], "Invalid status transition")
}

func TestUnknownMethod(t *testing.T) {
	var f = newFixture(t, payment.ModeDisabled, nil)
	var rec = f.do(t, "POST", "/a2a", rpc("no/such", nil))
	var rpcErr = decodeBody(t, rec)["error"].(map[string]interface{})
	require.Equal(t, float64(-32601), rpcErr["code"])
}

func TestMalformedRequest(t *testing.T) {
	var f = newFixture(t, payment.ModeDisabled, nil)

	var rec = f.do(t, "POST", "/a2a", map[string]interface{}{"jsonrpc": "1.0", "method": "x"})
	var rpcErr = decodeBody(t, rec)["error"].(map[string]interface{})
	require.Equal(t, float64(-32600), rpcErr["code"])
}

func TestUnknownSkillIsInvalidParams(t *testing.T) {
	var f = newFixture(t, payment.ModeDisabled, nil)
	var rec = f.do(t, "POST", "/a2a", sendSkill("launch_rocket", nil))
	var rpcErr = decodeBody(t, rec)["error"].(map[string]interface{})
	require.Equal(t, float64(-32602), rpcErr["code"])
}

func TestEmptyMessageIsInvalidParams(t *testing.T) {
	var f = newFixture(t, payment.ModeDisabled, nil)
	var rec = f.do(t, "POST", "/a2a", rpc("message/send", map[string]interface{}{
		"message": map[string]interface{}{"role": "user"},
	}))
	var rpcErr = decodeBody(t, rec)["error"].(map[string]interface{})
	require.Equal(t, float64(-32602), rpcErr["code"])
}

func TestTasksGetHistoryTruncation(t *testing.T) {
	var f = newFixture(t, payment.ModeDisabled, nil)

	var rec = f.do(t, "POST", "/a2a", sendSkill("get_supported_circuits", nil))
	var result = decodeBody(t, rec)["result"].(map[string]interface{})
	var taskID = result["id"].(string)
	// Completed task history: user message + agent completion message.
	require.Len(t, result["history"].([]interface{}), 2)

	rec = f.do(t, "POST", "/a2a",
		rpc("tasks/get", map[string]interface{}{"id": taskID, "historyLength": 1}))
	result = decodeBody(t, rec)["result"].(map[string]interface{})
	var history = result["history"].([]interface{})
	require.Len(t, history, 1)
	require.Equal(t, string(agent.RoleAgent), history[0].(map[string]interface{})["role"])
}

func TestTasksGetUnknownID(t *testing.T) {
	var f = newFixture(t, payment.ModeDisabled, nil)
	var rec = f.do(t, "POST", "/a2a", rpc("tasks/get", map[string]interface{}{"id": "missing"}))
	var rpcErr = decodeBody(t, rec)["error"].(map[string]interface{})
	require.Equal(t, float64(-32001), rpcErr["code"])
}

func TestPaymentGatedSkillWithoutCredential(t *testing.T) {
	var f = newFixture(t, payment.ModeTestnet, nil)

	var rec = f.do(t, "POST", "/a2a", sendSkill("generate_proof",
		map[string]interface{}{"requestId": "r-1"}))
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	require.NotEmpty(t, rec.Header().Get(payment.HeaderPaymentRequired))

	var body = decodeBody(t, rec)
	require.Equal(t, "payment required", body["error"])
}

// runWorker services the task queue in the background until the test ends.
func (f *fixture) runWorker(t *testing.T) {
	t.Helper()
	var ctx, cancel = context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		for ctx.Err() == nil {
			if !f.worker.RunOnce(ctx) {
				time.Sleep(5 * time.Millisecond)
			}
		}
	}()
}

func TestPaidTaskBindsPaymentRecord(t *testing.T) {
	var f = newFixture(t, payment.ModeTestnet, nil)

	var created = decodeBody(t, f.do(t, "POST", "/api/v1/signing", signingRequest("paid-scope")))
	var requestID = created["requestId"].(string)
	f.completeSigning(t, requestID)
	f.runWorker(t)

	var rec = f.doWithPayment(t, "/a2a", sendSkill("generate_proof",
		map[string]interface{}{"requestId": requestID}), signedPaymentHeader(t))
	require.Equal(t, http.StatusOK, rec.Code)

	var body = decodeBody(t, rec)
	require.Nil(t, body["error"])
	var result = body["result"].(map[string]interface{})
	require.Equal(t, "completed",
		result["status"].(map[string]interface{})["state"])
	var taskID = result["id"].(string)

	// The settled payment is reachable through its task index.
	record, err := f.gate.Records.GetByTask(context.Background(), taskID)
	require.NoError(t, err)
	require.Equal(t, taskID, record.TaskID)
	require.Equal(t, "0xfeed", record.TxHash)
	require.NotEmpty(t, record.PayerAddress)
}

func TestMessageStreamEmitsEventFrames(t *testing.T) {
	var f = newFixture(t, payment.ModeDisabled, nil)

	var rec = f.do(t, "POST", "/a2a", rpc("message/stream", map[string]interface{}{
		"message": map[string]interface{}{
			"role": "user",
			"parts": []map[string]interface{}{{
				"kind": "data",
				"data": map[string]interface{}{"skill": "get_supported_circuits"},
			}},
		},
	}))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var frames = rec.Body.String()
	require.Contains(t, frames, "event: status-update")
	require.Contains(t, frames, `"state":"submitted"`)
	require.Contains(t, frames, "event: artifact-update")
	require.Contains(t, frames, "coinbase_attestation")

	// The stream ends on the terminal status update.
	require.Contains(t, frames, `"state":"completed"`)
	require.Contains(t, frames, `"final":true`)
	var last = frames[strings.LastIndex(frames, "event: "):]
	require.True(t, strings.HasPrefix(last, "event: status-update"))
}

func TestResubscribeTerminalTaskReturnsSnapshot(t *testing.T) {
	var f = newFixture(t, payment.ModeDisabled, nil)

	var rec = f.do(t, "POST", "/a2a", sendSkill("get_supported_circuits", nil))
	var taskID = decodeBody(t, rec)["result"].(map[string]interface{})["id"].(string)

	rec = f.do(t, "POST", "/a2a", rpc("tasks/resubscribe", map[string]interface{}{"id": taskID}))
	require.Equal(t, http.StatusOK, rec.Code)

	// A finished task answers with a plain JSON snapshot, not a stream.
	var result = decodeBody(t, rec)["result"].(map[string]interface{})
	require.Equal(t, taskID, result["id"])
	require.Equal(t, "completed",
		result["status"].(map[string]interface{})["state"])
}

func TestFreeSkillBypassesGate(t *testing.T) {
	var f = newFixture(t, payment.ModeTestnet, nil)
	var rec = f.do(t, "POST", "/a2a", sendSkill("get_supported_circuits", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, decodeBody(t, rec)["error"])
}
