package server

import (
	"net/http"
	"testing"

	"github.com/attestry/proofgate/go/payment"
	"github.com/attestry/proofgate/go/skills"
	"github.com/stretchr/testify/require"
)

func TestAgentCard(t *testing.T) {
	var f = newFixture(t, payment.ModeDisabled, nil)

	for _, path := range []string{"/.well-known/agent.json", "/.well-known/agent-card.json"} {
		var rec = f.do(t, "GET", path, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var card = decodeBody(t, rec)
		require.Equal(t, "proofgate", card["name"])
		require.Equal(t, "https://gw.example/a2a", card["url"])
		require.Equal(t, agentCardVersion, card["protocolVersion"])
		require.Equal(t, "JSONRPC", card["preferredTransport"])

		var capabilities = card["capabilities"].(map[string]interface{})
		require.Equal(t, true, capabilities["streaming"])
		require.Equal(t, true, capabilities["stateTransitionHistory"])

		require.Len(t, card["skills"].([]interface{}), len(skills.Names))

		var identity = card["identity"].(map[string]interface{})
		var erc8004 = identity["erc8004"].(map[string]interface{})
		require.Equal(t, "0x2222222222222222222222222222222222222222", erc8004["contractAddress"])
		require.Equal(t, float64(84532), erc8004["chainId"])

		// Payments disabled means no x402 scheme is advertised.
		require.Nil(t, card["securitySchemes"])
	}
}

func TestAgentCardAdvertisesPaymentScheme(t *testing.T) {
	var f = newFixture(t, payment.ModeTestnet, nil)

	var card = decodeBody(t, f.do(t, "GET", "/.well-known/agent.json", nil))
	var schemes = card["securitySchemes"].(map[string]interface{})
	var x402 = schemes["x402"].(map[string]interface{})
	require.Equal(t, "x402", x402["type"])
	require.Equal(t, "base-sepolia", x402["network"])
	require.Equal(t, "10000", x402["amount"])
}

func TestOASFDescriptor(t *testing.T) {
	var f = newFixture(t, payment.ModeDisabled, nil)

	var doc = decodeBody(t, f.do(t, "GET", "/.well-known/oasf.json", nil))
	require.Equal(t, "proofgate", doc["name"])
	require.Len(t, doc["skills"].([]interface{}), len(skills.Names))

	var types []string
	for _, raw := range doc["locators"].([]interface{}) {
		types = append(types, raw.(map[string]interface{})["type"].(string))
	}
	require.ElementsMatch(t, []string{"a2a", "mcp", "rest"}, types)

	var extensions = doc["extensions"].([]interface{})
	require.Len(t, extensions, 1)
	require.Equal(t, "erc8004.registration",
		extensions[0].(map[string]interface{})["name"])
}

func TestMCPDiscovery(t *testing.T) {
	var f = newFixture(t, payment.ModeDisabled, nil)

	var doc = decodeBody(t, f.do(t, "GET", "/.well-known/mcp.json", nil))
	require.Equal(t, "https://gw.example/mcp", doc["endpoint"])
	require.Equal(t, mcpProtocolVersion, doc["protocolVersion"])
	require.Len(t, doc["tools"].([]interface{}), len(skills.Names))
}
