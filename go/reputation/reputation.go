// Package reputation increments the agent's on-chain ERC-8004 reputation
// counter after completed work. Calls are fire-and-forget: failures are
// logged and never surface to the task that triggered them.
package reputation

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	log "github.com/sirupsen/logrus"
)

// Reporter records completed work against the agent's identity.
type Reporter interface {
	ReportCompletion(ctx context.Context, taskID, skill string)
}

// Noop discards reports. Used when no reputation contract is configured.
type Noop struct{}

func (Noop) ReportCompletion(context.Context, string, string) {}

// erc8004Reporter submits incrementReputation transactions.
type erc8004Reporter struct {
	client   *ethclient.Client
	contract common.Address
	tokenID  *big.Int
	key      *ecdsa.PrivateKey
	chainID  *big.Int
}

// incrementSelector is the 4-byte selector of incrementReputation(uint256).
var incrementSelector = crypto.Keccak256([]byte("incrementReputation(uint256)"))[:4]

// New builds a Reporter against |contract| on the chain at |rpcURL|, signing
// with |privateKeyHex| for identity token |tokenID|.
func New(rpcURL, contract, privateKeyHex string, tokenID int64) (Reporter, error) {
	if rpcURL == "" || contract == "" || privateKeyHex == "" {
		return Noop{}, nil
	}
	var client, err = ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dialing reputation RPC: %w", err)
	}
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parsing reputation key: %w", err)
	}
	chainID, err := client.ChainID(context.Background())
	if err != nil {
		return nil, fmt.Errorf("resolving chain id: %w", err)
	}
	return &erc8004Reporter{
		client:   client,
		contract: common.HexToAddress(contract),
		tokenID:  big.NewInt(tokenID),
		key:      key,
		chainID:  chainID,
	}, nil
}

func (r *erc8004Reporter) ReportCompletion(ctx context.Context, taskID, skill string) {
	if err := r.submit(ctx); err != nil {
		log.WithFields(log.Fields{"task": taskID, "skill": skill, "err": err}).
			Warn("reputation increment failed")
		return
	}
	log.WithFields(log.Fields{"task": taskID, "skill": skill}).
		Debug("reputation incremented")
}

func (r *erc8004Reporter) submit(ctx context.Context) error {
	var from = crypto.PubkeyToAddress(r.key.PublicKey)
	var nonce, err = r.client.PendingNonceAt(ctx, from)
	if err != nil {
		return fmt.Errorf("fetching nonce: %w", err)
	}
	gasPrice, err := r.client.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("fetching gas price: %w", err)
	}

	var calldata = append(append([]byte{}, incrementSelector...),
		common.LeftPadBytes(r.tokenID.Bytes(), 32)...)
	var tx = types.NewTransaction(nonce, r.contract, big.NewInt(0), 100_000, gasPrice, calldata)

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(r.chainID), r.key)
	if err != nil {
		return fmt.Errorf("signing transaction: %w", err)
	}
	return r.client.SendTransaction(ctx, signed)
}
