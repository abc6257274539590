package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthChainReader resolves settlement transactions through JSON-RPC receipt
// lookups, one lazily-dialed client per network.
type EthChainReader struct {
	rpcURLs map[string]string

	mu      sync.Mutex
	clients map[string]*ethclient.Client
}

// NewEthChainReader builds a reader over |rpcURLs|, keyed by network name.
func NewEthChainReader(rpcURLs map[string]string) *EthChainReader {
	return &EthChainReader{
		rpcURLs: rpcURLs,
		clients: make(map[string]*ethclient.Client),
	}
}

func (r *EthChainReader) client(network string) (*ethclient.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[network]; ok {
		return client, nil
	}
	var rpcURL, ok = r.rpcURLs[network]
	if !ok {
		return nil, fmt.Errorf("no RPC configured for network %s", network)
	}
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", network, err)
	}
	r.clients[network] = client
	return client, nil
}

// TransactionState implements ChainReader.
func (r *EthChainReader) TransactionState(ctx context.Context, network, txHash string) (TxState, error) {
	var client, err = r.client(network)
	if err != nil {
		return TxPending, err
	}
	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return TxPending, nil
	} else if err != nil {
		return TxPending, fmt.Errorf("fetching receipt %s: %w", txHash, err)
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return TxConfirmed, nil
	}
	return TxFailed, nil
}
