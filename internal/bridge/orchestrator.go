package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"medrails/internal/attestation"
	"medrails/internal/chain"
	"medrails/internal/codec"
	"medrails/internal/contracts"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"
)

// State identifies where a transfer is in the approve, burn, attest, mint
// pipeline.
type State string

const (
	StateIdle               State = "idle"
	StateApproving          State = "approving"
	StateAwaitingApproval   State = "awaiting_approval"
	StateBurning            State = "burning"
	StateAwaitingBurn       State = "awaiting_burn"
	StateWaitingAttestation State = "waiting_attestation"
	StateMinting            State = "minting"
	StateAwaitingMint       State = "awaiting_mint"
	StateCompleted          State = "completed"
	StateFailed             State = "failed"
)

var (
	ErrInvalidInput   = errors.New("invalid transfer input")
	ErrApprovalFailed = errors.New("approval failed")
	ErrBurnFailed     = errors.New("burn failed")
	ErrMintFailed     = errors.New("mint failed")
)

// approvalCeiling is the fixed allowance granted to the token messenger.
// Approving far above the transfer amount amortizes the approval tx across
// future transfers.
var approvalCeiling = new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1_000_000))

var (
	defaultMaxFee               = big.NewInt(500)
	defaultMinFinalityThreshold = uint32(1000)
)

// TransferRequest describes one intended cross-chain transfer. Amount is in
// subunits and must be positive.
type TransferRequest struct {
	DestinationAddress   string
	Amount               *big.Int
	MaxFee               *big.Int // defaulted when nil
	MinFinalityThreshold uint32   // defaulted when zero
}

// TransferResult is the consolidated outcome. Exactly one of {Success with
// all identifiers, failure with Error} holds. A failure with a non-empty
// BurnTx means funds left the source chain; recover with ResumeFromBurn
// rather than re-running the transfer.
type TransferResult struct {
	Success     bool                     `json:"success"`
	State       State                    `json:"state"`
	ApprovalTx  string                   `json:"approvalTx,omitempty"`
	BurnTx      string                   `json:"burnTx,omitempty"`
	MintTx      string                   `json:"mintTx,omitempty"`
	Attestation *attestation.Attestation `json:"attestation,omitempty"`
	Error       string                   `json:"error,omitempty"`
}

// Attester yields the completed attestation for a burn transaction.
type Attester interface {
	AwaitAttestation(ctx context.Context, sourceDomain uint32, burnTxHash string) (*attestation.Attestation, error)
}

// Config carries the bridge wiring for one source/destination network pair.
type Config struct {
	SourceDomain       uint32
	DestinationDomain  uint32
	USDCAddress        string // source-chain token
	TokenMessenger     string // source-chain burn contract
	MessageTransmitter string // destination-chain mint contract
}

// Orchestrator sequences one transfer through its states. It holds no
// per-transfer state, so independent transfers may run concurrently.
type Orchestrator struct {
	source      chain.Client
	destination chain.Client
	attester    Attester
	cfg         Config
}

func NewOrchestrator(source, destination chain.Client, attester Attester, cfg Config) *Orchestrator {
	return &Orchestrator{
		source:      source,
		destination: destination,
		attester:    attester,
		cfg:         cfg,
	}
}

// transfer tracks one in-flight run of the state machine.
type transfer struct {
	state  State
	result TransferResult
}

func (t *transfer) enter(s State) {
	t.state = s
}

func (t *transfer) fail(err error) TransferResult {
	log.WithError(err).WithField("state", string(t.state)).Warn("transfer failed")
	t.result.Success = false
	t.result.State = StateFailed
	t.result.Error = err.Error()
	return t.result
}

func (t *transfer) complete() TransferResult {
	t.result.Success = true
	t.result.State = StateCompleted
	return t.result
}

// Transfer runs the full approve, burn, attest, mint pipeline. Failures
// are returned as a value, never as an error, so callers always have a
// result to branch on.
func (o *Orchestrator) Transfer(ctx context.Context, req TransferRequest) TransferResult {
	run := &transfer{state: StateIdle}

	mintRecipient, err := o.validate(req)
	if err != nil {
		return run.fail(err)
	}

	logger := log.WithFields(log.Fields{
		"destination": req.DestinationAddress,
		"amount":      req.Amount.String(),
	})

	// Approve a spend allowance for the token messenger on the source chain.
	run.enter(StateApproving)
	approvalTx, err := o.source.SubmitCall(ctx,
		o.cfg.USDCAddress, contracts.ERC20ABI, "approve",
		common.HexToAddress(o.cfg.TokenMessenger), approvalCeiling)
	if err != nil {
		return run.fail(fmt.Errorf("%w: %v", ErrApprovalFailed, err))
	}
	run.result.ApprovalTx = approvalTx

	run.enter(StateAwaitingApproval)
	if err := o.source.AwaitInclusion(ctx, approvalTx); err != nil {
		return run.fail(fmt.Errorf("%w: %v", ErrApprovalFailed, err))
	}
	logger.WithField("tx", approvalTx).Info("allowance approved")

	// Burn on the source chain.
	maxFee := req.MaxFee
	if maxFee == nil {
		maxFee = defaultMaxFee
	}
	minFinality := req.MinFinalityThreshold
	if minFinality == 0 {
		minFinality = defaultMinFinalityThreshold
	}

	run.enter(StateBurning)
	burnTx, err := o.source.SubmitCall(ctx,
		o.cfg.TokenMessenger, contracts.TokenMessengerABI, "depositForBurn",
		req.Amount,
		o.cfg.DestinationDomain,
		mintRecipient,
		common.HexToAddress(o.cfg.USDCAddress),
		[32]byte{}, // any caller may submit the mint
		maxFee,
		minFinality)
	if err != nil {
		return run.fail(fmt.Errorf("%w: %v", ErrBurnFailed, err))
	}
	run.result.BurnTx = burnTx

	run.enter(StateAwaitingBurn)
	if err := o.source.AwaitInclusion(ctx, burnTx); err != nil {
		return run.fail(fmt.Errorf("%w: %v", ErrBurnFailed, err))
	}
	logger.WithField("tx", burnTx).Info("tokens burned on source chain")

	// From here the burn is final: funds have left the source chain, so any
	// failure below must be recovered via ResumeFromBurn, never by
	// re-submitting the burn.
	return o.finish(ctx, run, logger)
}

// ResumeFromBurn re-enters the pipeline at the attestation wait for a burn
// that already succeeded. This is the only safe recovery after a failure
// past the burn: re-running Transfer would burn a second time.
func (o *Orchestrator) ResumeFromBurn(ctx context.Context, burnTxHash, destinationAddress string) TransferResult {
	run := &transfer{state: StateIdle}
	if burnTxHash == "" {
		return run.fail(fmt.Errorf("%w: burn transaction hash is required", ErrInvalidInput))
	}
	if _, err := codec.ToPaddedAddress(destinationAddress); err != nil {
		return run.fail(fmt.Errorf("%w: %v", ErrInvalidInput, err))
	}
	run.result.BurnTx = burnTxHash

	logger := log.WithFields(log.Fields{
		"destination": destinationAddress,
		"burnTx":      burnTxHash,
	})
	logger.Info("resuming transfer from existing burn")

	return o.finish(ctx, run, logger)
}

// finish waits for the burn's attestation and mints on the destination
// chain. The mint is only ever submitted with a complete attestation tied to
// the exact burn transaction carried in the run.
func (o *Orchestrator) finish(ctx context.Context, run *transfer, logger *log.Entry) TransferResult {
	run.enter(StateWaitingAttestation)
	att, err := o.attester.AwaitAttestation(ctx, o.cfg.SourceDomain, run.result.BurnTx)
	if err != nil {
		// Burn already happened; the outcome is unknown, not failed.
		return run.fail(fmt.Errorf("attestation wait ended for burn %s: %v", run.result.BurnTx, err))
	}
	run.result.Attestation = att
	logger.Info("attestation complete")

	run.enter(StateMinting)
	mintTx, err := o.destination.SubmitCall(ctx,
		o.cfg.MessageTransmitter, contracts.MessageTransmitterABI, "receiveMessage",
		common.FromHex(att.Message), common.FromHex(att.Attestation))
	if err != nil {
		return run.fail(fmt.Errorf("%w: %v", ErrMintFailed, err))
	}
	run.result.MintTx = mintTx

	run.enter(StateAwaitingMint)
	if err := o.destination.AwaitInclusion(ctx, mintTx); err != nil {
		return run.fail(fmt.Errorf("%w: %v", ErrMintFailed, err))
	}
	logger.WithField("tx", mintTx).Info("tokens minted on destination chain")

	return run.complete()
}

func (o *Orchestrator) validate(req TransferRequest) ([32]byte, error) {
	if req.DestinationAddress == "" {
		return [32]byte{}, fmt.Errorf("%w: destination address is required", ErrInvalidInput)
	}
	recipient, err := codec.ToBytes32Address(req.DestinationAddress)
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return [32]byte{}, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	return recipient, nil
}
