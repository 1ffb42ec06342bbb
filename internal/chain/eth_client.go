package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	dialAttempts    = 3
	receiptAttempts = 5
	receiptInterval = 2 * time.Second
)

// EthClient signs and submits contract calls against one EVM network.
type EthClient struct {
	client    *ethclient.Client
	chainID   *big.Int
	sender    common.Address
	transacts *bind.TransactOpts

	mu   sync.Mutex
	abis map[string]abi.ABI
}

type EthClientConfig struct {
	RPCURL        string
	PrivateKeyHex string
}

func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required")
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	var cli *ethclient.Client
	for attempt := 1; ; attempt++ {
		cli, err = ethclient.DialContext(ctx, cfg.RPCURL)
		if err == nil {
			break
		}
		if attempt == dialAttempts {
			return nil, fmt.Errorf("%w: dial rpc: %v", ErrNetworkUnavailable, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch chain id: %v", ErrNetworkUnavailable, err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate

	return &EthClient{
		client:    cli,
		chainID:   chainID,
		sender:    crypto.PubkeyToAddress(pk.PublicKey),
		transacts: txOpts,
		abis:      make(map[string]abi.ABI),
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (c *EthClient) Sender() string {
	return c.sender.Hex()
}

func (c *EthClient) ChainID() *big.Int {
	return c.chainID
}

func (c *EthClient) SubmitCall(
	ctx context.Context, contract, abiJSON, method string, args ...any,
) (string, error) {
	bound, err := c.bind(contract, abiJSON)
	if err != nil {
		return "", err
	}

	opts := *c.transacts
	opts.Context = ctx

	tx, err := bound.Transact(&opts, method, args...)
	if err != nil {
		return "", fmt.Errorf("submit %s: %w", method, err)
	}
	return tx.Hash().Hex(), nil
}

// AwaitInclusion polls for the transaction receipt until the network confirms
// or rejects the transaction. Endpoint failures are retried a bounded number
// of times before surfacing ErrNetworkUnavailable.
func (c *EthClient) AwaitInclusion(ctx context.Context, txHash string) error {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(receiptInterval)
	defer ticker.Stop()

	rpcFailures := 0
	for {
		receipt, err := c.client.TransactionReceipt(ctx, hash)
		switch {
		case receipt != nil:
			if receipt.Status == types.ReceiptStatusFailed {
				return fmt.Errorf("%w: tx %s", ErrTransactionReverted, txHash)
			}
			return nil
		case errors.Is(err, ethereum.NotFound) || (err != nil && err.Error() == "not found"):
			rpcFailures = 0 // reachable, just not mined yet
		case err != nil:
			rpcFailures++
			if rpcFailures >= receiptAttempts {
				return fmt.Errorf("%w: await tx %s: %v", ErrNetworkUnavailable, txHash, err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Receipt fetches the receipt of an already-included transaction.
func (c *EthClient) Receipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	return c.client.TransactionReceipt(ctx, common.HexToHash(txHash))
}

func (c *EthClient) CallView(
	ctx context.Context, contract, abiJSON, method string, out *[]any, args ...any,
) error {
	bound, err := c.bind(contract, abiJSON)
	if err != nil {
		return err
	}
	if err := bound.Call(&bind.CallOpts{Context: ctx}, out, method, args...); err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}
	return nil
}

// Ping reports whether the RPC endpoint answers.
func (c *EthClient) Ping(ctx context.Context) error {
	_, err := c.client.BlockNumber(ctx)
	return err
}

func (c *EthClient) bind(contract, abiJSON string) (*bind.BoundContract, error) {
	parsed, err := c.parseABI(abiJSON)
	if err != nil {
		return nil, err
	}
	address := common.HexToAddress(contract)
	return bind.NewBoundContract(address, parsed, c.client, c.client, c.client), nil
}

func (c *EthClient) parseABI(abiJSON string) (abi.ABI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if parsed, ok := c.abis[abiJSON]; ok {
		return parsed, nil
	}
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse abi: %w", err)
	}
	c.abis[abiJSON] = parsed
	return parsed, nil
}
