package skills

import (
	"sort"
	"strconv"

	"github.com/attestry/proofgate/go/fault"
)

// Circuit is the static metadata of one supported proving circuit.
type Circuit struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	// Fields the signing request must supply beyond circuitId and scope.
	ExtraInputs []string `json:"extraInputs,omitempty"`
	// Verifier contract address per EVM chain id.
	Verifiers map[int64]string `json:"-"`
}

// RequiresCountryList reports whether the circuit needs countryList and
// isIncluded inputs.
func (c *Circuit) RequiresCountryList() bool {
	for _, input := range c.ExtraInputs {
		if input == "countryList" {
			return true
		}
	}
	return false
}

// circuits is the registry of supported circuits. Verifier deployments are
// per-chain; a circuit without a verifier on the requested chain still
// generates proofs but cannot verify them on-chain there.
var circuits = map[string]*Circuit{
	"coinbase_attestation": {
		ID:          "coinbase_attestation",
		Name:        "Coinbase KYC Attestation",
		Description: "Proves the signer holds a Coinbase verified-account attestation without revealing the account.",
		Verifiers: map[int64]string{
			84532: "0x4f0B211213cCA51bbD8CB3078F54a3C1F6f24B7C",
			8453:  "0xBB31c4A26D80a0bD4d7b2E0a5B2b9cB1e8D4F1A2",
		},
	},
	"coinbase_country_attestation": {
		ID:          "coinbase_country_attestation",
		Name:        "Coinbase Country Attestation",
		Description: "Proves the signer's attested country is (or is not) in a chosen list, without revealing the country.",
		ExtraInputs: []string{"countryList", "isIncluded"},
		Verifiers: map[int64]string{
			84532: "0x9aD2E5c7B30F1f7D64F0aD812Fc8C3b1E2A94E60",
		},
	},
}

// LookupCircuit returns the registered circuit for |id|.
func LookupCircuit(id string) (*Circuit, error) {
	var circuit, ok = circuits[id]
	if !ok {
		return nil, fault.New(fault.InvalidArgument, "unknown circuit %q", id)
	}
	return circuit, nil
}

// VerifierAddress returns the verifier contract for |circuitId| on |chainId|.
func VerifierAddress(circuitID string, chainID int64) (string, error) {
	var circuit, err = LookupCircuit(circuitID)
	if err != nil {
		return "", err
	}
	var address, ok = circuit.Verifiers[chainID]
	if !ok {
		return "", fault.New(fault.NotFound,
			"no verifier deployed for circuit %s on chain %d", circuitID, chainID)
	}
	return address, nil
}

// circuitDescriptor is one entry of the get_supported_circuits result.
type circuitDescriptor struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	ExtraInputs     []string `json:"extraInputs,omitempty"`
	VerifierAddress string   `json:"verifierAddress,omitempty"`
}

// SupportedCircuits lists the registry, resolving verifier addresses for
// |chainId| when given. Pure and deterministic.
func SupportedCircuits(chainID string) map[string]interface{} {
	var parsed, _ = strconv.ParseInt(chainID, 10, 64)

	var ids = make([]string, 0, len(circuits))
	for id := range circuits {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out = make([]circuitDescriptor, 0, len(ids))
	for _, id := range ids {
		var circuit = circuits[id]
		var descriptor = circuitDescriptor{
			ID:          circuit.ID,
			Name:        circuit.Name,
			Description: circuit.Description,
			ExtraInputs: circuit.ExtraInputs,
		}
		if parsed != 0 {
			descriptor.VerifierAddress = circuit.Verifiers[parsed]
		}
		out = append(out, descriptor)
	}

	var result = map[string]interface{}{"circuits": out}
	if chainID != "" {
		result["chainId"] = chainID
	}
	return result
}
