package skills

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/attestry/proofgate/go/fault"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// verifierABI is the minimal surface shared by all proof verifier contracts.
const verifierABI = `[{
	"type": "function", "name": "verify", "stateMutability": "view",
	"inputs": [
		{"name": "proof", "type": "bytes"},
		{"name": "publicInputs", "type": "bytes32[]"}
	],
	"outputs": [{"name": "", "type": "bool"}]
}]`

var parsedVerifierABI = func() abi.ABI {
	var parsed, err = abi.JSON(strings.NewReader(verifierABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// SplitHexToBytes32 normalizes public inputs given as one contiguous hex
// string into 32-byte words, right-padding the final partial word.
func SplitHexToBytes32(s string) ([]string, error) {
	var raw = common.FromHex(s)
	if len(raw) == 0 && s != "" && s != "0x" {
		return nil, fault.New(fault.InvalidArgument, "invalid hex public inputs %q", s)
	}
	var words []string
	for off := 0; off < len(raw); off += 32 {
		var word = make([]byte, 32)
		copy(word, raw[off:min(off+32, len(raw))])
		words = append(words, "0x"+common.Bytes2Hex(word))
	}
	return words, nil
}

// ContractCaller is the slice of the ethclient surface verification needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainVerifier performs eth_call verification against per-chain verifier
// contracts, lazily dialing one client per chain.
type ChainVerifier struct {
	rpcURLs map[int64]string

	mu      sync.Mutex
	callers map[int64]ContractCaller
}

// NewChainVerifier builds a verifier over |rpcURLs|, keyed by chain id.
func NewChainVerifier(rpcURLs map[int64]string) *ChainVerifier {
	return &ChainVerifier{
		rpcURLs: rpcURLs,
		callers: make(map[int64]ContractCaller),
	}
}

// WithCaller pre-binds a caller for |chainID|. Tests use this to avoid
// dialing.
func (v *ChainVerifier) WithCaller(chainID int64, caller ContractCaller) *ChainVerifier {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.callers[chainID] = caller
	return v
}

func (v *ChainVerifier) caller(chainID int64) (ContractCaller, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if caller, ok := v.callers[chainID]; ok {
		return caller, nil
	}
	var rpcURL, ok = v.rpcURLs[chainID]
	if !ok {
		return nil, fault.New(fault.NotFound, "no RPC configured for chain %d", chainID)
	}
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dialing chain %d: %w", chainID, err)
	}
	v.callers[chainID] = client
	return client, nil
}

// Verify calls verify(bytes,bytes32[]) on the circuit's verifier contract
// for |chainID|. Contract reverts surface as (false, revert reason, nil)
// rather than an error.
func (v *ChainVerifier) Verify(ctx context.Context, circuitID string, chainID int64, proof string, publicInputs []string) (bool, string, error) {
	var address, err = VerifierAddress(circuitID, chainID)
	if err != nil {
		return false, "", err
	}
	caller, err := v.caller(chainID)
	if err != nil {
		return false, "", err
	}

	var words = make([][32]byte, len(publicInputs))
	for i, input := range publicInputs {
		var raw = common.FromHex(input)
		if len(raw) > 32 {
			return false, "", fault.New(fault.InvalidArgument,
				"public input %d exceeds 32 bytes", i)
		}
		copy(words[i][:], raw)
	}

	calldata, err := parsedVerifierABI.Pack("verify", common.FromHex(proof), words)
	if err != nil {
		return false, "", fault.Wrap(fault.InvalidArgument, err, "encoding verify call")
	}

	var contract = common.HexToAddress(address)
	output, err := caller.CallContract(ctx, ethereum.CallMsg{
		To:   &contract,
		Data: calldata,
	}, nil)
	if err != nil {
		// Reverts mean the proof is invalid, not that the call failed.
		// Transport and node errors are raised so callers see a 502 rather
		// than a spurious invalid verdict.
		if isRevert(err) {
			return false, err.Error(), nil
		}
		return false, "", fault.Wrap(fault.UpstreamFailure, err,
			"verifier call on chain %d failed", chainID)
	}

	results, err := parsedVerifierABI.Unpack("verify", output)
	if err != nil {
		return false, "", fault.Wrap(fault.UpstreamFailure, err, "decoding verify result")
	}
	var valid, _ = results[0].(bool)
	return valid, "", nil
}

// isRevert distinguishes an EVM revert from transport failures. Geth nodes
// attach revert data through rpc.DataError; other nodes only carry the
// "execution reverted" message.
func isRevert(err error) bool {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		return true
	}
	return strings.Contains(err.Error(), "execution reverted")
}
