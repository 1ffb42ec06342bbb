package chain

import (
	"context"
	"errors"
)

var (
	// ErrTransactionReverted reports that a submitted transaction was
	// included but the network marked it failed.
	ErrTransactionReverted = errors.New("transaction reverted")

	// ErrNetworkUnavailable reports that the RPC endpoint could not be
	// reached after the client's bounded retries.
	ErrNetworkUnavailable = errors.New("network unavailable")
)

// Client is the per-network adapter: submit a signed contract call, wait for
// its inclusion, or read a contract view. Addresses and transaction ids are
// hex strings so callers stay decoupled from the RPC types.
type Client interface {
	SubmitCall(ctx context.Context, contract, abiJSON, method string, args ...any) (string, error)
	AwaitInclusion(ctx context.Context, txHash string) error
	CallView(ctx context.Context, contract, abiJSON, method string, out *[]any, args ...any) error
	Sender() string
}
