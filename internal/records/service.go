package records

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"medrails/internal/chain"
	"medrails/internal/contracts"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	log "github.com/sirupsen/logrus"
)

var ErrInvalidRecipient = errors.New("invalid recipient address")

var transferEventSig = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// PassportInput carries the medical-record fields for a passport mint.
// Every field is optional; absent fields are stored as empty strings.
type PassportInput struct {
	FullName    string `json:"fullName"`
	DateOfBirth string `json:"dateOfBirth"`
	BloodType   string `json:"bloodType"`
	Allergies   string `json:"allergies"`
	Conditions  string `json:"conditions"`
	Medications string `json:"medications"`
}

func (in PassportInput) empty() bool {
	return in.FullName == "" && in.DateOfBirth == "" && in.BloodType == "" &&
		in.Allergies == "" && in.Conditions == "" && in.Medications == ""
}

// Prescription is the on-chain prescription detail record.
type Prescription struct {
	Medication   string `json:"medication"`
	Dosage       string `json:"dosage"`
	Instructions string `json:"instructions"`
}

// ReceiptReader exposes receipt lookup for clients that can provide it; the
// service falls back to a counter read when it is unavailable.
type ReceiptReader interface {
	Receipt(ctx context.Context, txHash string) (*types.Receipt, error)
}

// Service reads and writes the medical-passport and prescription contracts
// over the shared chain adapter.
type Service struct {
	client               chain.Client
	passportContract     string
	prescriptionContract string
}

func NewService(client chain.Client, passportContract, prescriptionContract string) *Service {
	return &Service{
		client:               client,
		passportContract:     passportContract,
		prescriptionContract: prescriptionContract,
	}
}

// MintPassport mints a medical passport token for the recipient and returns
// the new token id along with the mint transaction hash. An entirely empty
// record is allowed; it is only logged.
func (s *Service) MintPassport(
	ctx context.Context, recipient string, input PassportInput,
) (int64, string, error) {
	if !common.IsHexAddress(recipient) {
		return 0, "", fmt.Errorf("%w: %q", ErrInvalidRecipient, recipient)
	}
	if input.empty() {
		log.WithField("recipient", recipient).Warn("minting passport with an empty medical record")
	}

	txHash, err := s.client.SubmitCall(ctx,
		s.passportContract, contracts.MedicalPassportABI, "mintMedicalPassport",
		common.HexToAddress(recipient),
		input.FullName, input.DateOfBirth, input.BloodType,
		input.Allergies, input.Conditions, input.Medications)
	if err != nil {
		return 0, "", fmt.Errorf("mint passport: %w", err)
	}
	if err := s.client.AwaitInclusion(ctx, txHash); err != nil {
		return 0, txHash, fmt.Errorf("mint passport: %w", err)
	}

	tokenID, err := s.mintedTokenID(ctx, txHash)
	if err != nil {
		return 0, txHash, err
	}
	return tokenID, txHash, nil
}

// mintedTokenID recovers the token id from the mint's Transfer event, or
// from the contract's token counter when the receipt is unavailable.
func (s *Service) mintedTokenID(ctx context.Context, txHash string) (int64, error) {
	if reader, ok := s.client.(ReceiptReader); ok {
		receipt, err := reader.Receipt(ctx, txHash)
		if err == nil && receipt != nil {
			if id, ok := tokenIDFromLogs(receipt.Logs); ok {
				return id, nil
			}
		}
		log.WithField("tx", txHash).Debug("no transfer event in receipt, reading token counter")
	}

	var out []any
	err := s.client.CallView(ctx,
		s.passportContract, contracts.MedicalPassportABI, "nextTokenId", &out)
	if err != nil {
		return 0, fmt.Errorf("read token counter: %w", err)
	}
	if len(out) == 0 {
		return 0, errors.New("token counter returned nothing")
	}
	next, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unexpected token counter type %T", out[0])
	}
	// counter already points past the token just minted
	return next.Int64() - 1, nil
}

func tokenIDFromLogs(logs []*types.Log) (int64, bool) {
	for _, entry := range logs {
		if len(entry.Topics) == 4 && entry.Topics[0] == transferEventSig {
			return entry.Topics[3].Big().Int64(), true
		}
	}
	return 0, false
}

func (s *Service) PassportURI(ctx context.Context, tokenID int64) (string, error) {
	return s.viewString(ctx, s.passportContract, contracts.MedicalPassportABI, "tokenURI", big.NewInt(tokenID))
}

func (s *Service) PassportOwner(ctx context.Context, tokenID int64) (string, error) {
	return s.viewAddress(ctx, s.passportContract, contracts.MedicalPassportABI, "ownerOf", big.NewInt(tokenID))
}

// Prescription reads the medication details for a prescription token.
func (s *Service) Prescription(ctx context.Context, tokenID int64) (*Prescription, error) {
	var out []any
	err := s.client.CallView(ctx,
		s.prescriptionContract, contracts.PrescriptionABI, "prescriptions", &out, big.NewInt(tokenID))
	if err != nil {
		return nil, fmt.Errorf("read prescription %d: %w", tokenID, err)
	}
	if len(out) < 3 {
		return nil, fmt.Errorf("prescription %d: short response (%d values)", tokenID, len(out))
	}

	p := &Prescription{}
	fields := []*string{&p.Medication, &p.Dosage, &p.Instructions}
	for i, field := range fields {
		str, ok := out[i].(string)
		if !ok {
			return nil, fmt.Errorf("prescription %d: unexpected field type %T", tokenID, out[i])
		}
		*field = str
	}
	return p, nil
}

func (s *Service) PrescriptionURI(ctx context.Context, tokenID int64) (string, error) {
	return s.viewString(ctx, s.prescriptionContract, contracts.PrescriptionABI, "tokenURI", big.NewInt(tokenID))
}

func (s *Service) PrescriptionOwner(ctx context.Context, tokenID int64) (string, error) {
	return s.viewAddress(ctx, s.prescriptionContract, contracts.PrescriptionABI, "ownerOf", big.NewInt(tokenID))
}

func (s *Service) viewString(
	ctx context.Context, contract, abiJSON, method string, args ...any,
) (string, error) {
	var out []any
	if err := s.client.CallView(ctx, contract, abiJSON, method, &out, args...); err != nil {
		return "", err
	}
	if len(out) == 0 {
		return "", fmt.Errorf("%s returned nothing", method)
	}
	str, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("%s: unexpected type %T", method, out[0])
	}
	return str, nil
}

func (s *Service) viewAddress(
	ctx context.Context, contract, abiJSON, method string, args ...any,
) (string, error) {
	var out []any
	if err := s.client.CallView(ctx, contract, abiJSON, method, &out, args...); err != nil {
		return "", err
	}
	if len(out) == 0 {
		return "", fmt.Errorf("%s returned nothing", method)
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return "", fmt.Errorf("%s: unexpected type %T", method, out[0])
	}
	return addr.Hex(), nil
}
