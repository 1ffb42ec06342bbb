package codec

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// USDCDecimals is the subunit exponent for the transferred stablecoin.
const USDCDecimals = 6

const addressHexDigits = 40

var (
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrInvalidAddress = errors.New("invalid address")
)

// ToSubunits converts a human-decimal token amount into the integer subunits
// that cross the wire, truncating toward zero.
func ToSubunits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("%w: negative amount %s", ErrInvalidAmount, amount)
	}
	return amount.Shift(decimals).Truncate(0).BigInt(), nil
}

// ToSubunitsString parses a decimal string and converts it to subunits.
func ToSubunitsString(amount string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	return ToSubunits(d, decimals)
}

// FromSubunits converts integer subunits back to a display decimal. The
// result is for presentation only; on-chain computation stays in subunits.
func FromSubunits(amount *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(amount, -decimals)
}

// ToPaddedAddress left-pads a 20-byte hex address to the 32-byte slot the
// bridge wire format expects, preserving the 0x prefix.
func ToPaddedAddress(address string) (string, error) {
	hexPart := strings.TrimPrefix(address, "0x")
	if len(hexPart) != addressHexDigits {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return "0x" + strings.Repeat("0", 64-addressHexDigits) + hexPart, nil
}

// ToBytes32Address returns the padded form as a fixed array for ABI encoding.
func ToBytes32Address(address string) ([32]byte, error) {
	var out [32]byte
	padded, err := ToPaddedAddress(address)
	if err != nil {
		return out, err
	}
	raw, _ := hex.DecodeString(strings.TrimPrefix(padded, "0x"))
	copy(out[:], raw)
	return out, nil
}
