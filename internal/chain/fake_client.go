package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// FakeClient deterministically emulates chain calls for local development
// when no signing key is configured.
type FakeClient struct {
	Name string
}

func (f FakeClient) SubmitCall(
	_ context.Context, contract, _, method string, args ...any,
) (string, error) {
	if contract == "" {
		return "", fmt.Errorf("missing contract address")
	}
	return fakeHash(f.Name + contract + method + fmt.Sprint(args...)), nil
}

func (f FakeClient) AwaitInclusion(context.Context, string) error {
	return nil
}

func (f FakeClient) CallView(
	_ context.Context, _, _, _ string, out *[]any, _ ...any,
) error {
	*out = nil
	return nil
}

func (f FakeClient) Sender() string {
	sum := sha256.Sum256([]byte(f.Name))
	return "0x" + hex.EncodeToString(sum[:20])
}

func fakeHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return "0x" + hex.EncodeToString(sum[:])
}
