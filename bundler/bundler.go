// Package bundler runs the bundle submission pipeline: price the builder
// payment for a user transaction, forge the payment transaction, and fan the
// two-transaction bundle out to every enabled relay. The pipeline commits
// the payment against the spending policy before any bundle bytes leave the
// process, so concurrent submissions cannot overshoot the daily cap.
package bundler

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/bundlepay/bundlepay/payment"
	"github.com/bundlepay/bundlepay/relay"
	"github.com/bundlepay/bundlepay/txcodec"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// paymentGasLimit is the gas for the forged payment transaction, a plain
// ETH transfer.
const paymentGasLimit = 21000

// Submission statuses recorded per relay.
const (
	StatusSubmitted = "submitted"
	StatusFailed    = "failed"
)

var (
	// ErrKillswitchActive reports that the operator has disabled submissions.
	ErrKillswitchActive = errors.New("killswitch active, bundle submission disabled")
	// ErrNoEnabledRelays reports an empty fan-out set.
	ErrNoEnabledRelays = errors.New("no enabled builder relays configured")
)

// InsufficientBalanceError reports that the signer account cannot fund the
// payment transaction at current fees.
type InsufficientBalanceError struct {
	BalanceWei  *big.Int
	RequiredWei *big.Int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient signer balance: have %s wei, need %s wei", e.BalanceWei, e.RequiredWei)
}

// ChainReader is the node-facing surface the pipeline needs.
type ChainReader interface {
	BaseFee(ctx context.Context) (*big.Int, error)
	NonceAt(ctx context.Context, addr common.Address) (uint64, error)
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
	EstimateGasTx(ctx context.Context, tx *types.Transaction) (uint64, error)
}

// Submitter is one builder relay endpoint.
type Submitter interface {
	Name() string
	PaymentAddress() common.Address
	SendBundle(ctx context.Context, txs []string, opts relay.Options) (string, error)
}

// KeySource yields the operator's payment signing key.
type KeySource interface {
	PaymentKey() (*ecdsa.PrivateKey, error)
}

// PolicyGate admits payment amounts against the operator's caps.
type PolicyGate interface {
	Admit(amount *uint256.Int) error
}

// Plan is the configuration snapshot one submission runs under. Building it
// from the active snapshot up front keeps a mid-request config reload from
// mixing parameters.
type Plan struct {
	ChainID   *big.Int
	Formula   payment.Formula
	K1        float64
	K2        *uint256.Int
	MaxAmount *uint256.Int
	Relays    []Submitter
}

// Request is one user submission.
type Request struct {
	Tx1Hex      string
	TargetBlock *uint64
}

// Submission is the recorded outcome for one relay.
type Submission struct {
	Builder       string `json:"builder"`
	Status        string `json:"status"`
	Response      string `json:"response,omitempty"`
	Error         string `json:"error,omitempty"`
	PaymentTxHash string `json:"-"`
}

// Receipt is the result of an accepted submission. Submissions appear in
// relay configuration order regardless of completion order.
type Receipt struct {
	BundleID    string
	Tx1Hash     string
	PaymentWei  *uint256.Int
	WasCapped   bool
	TargetBlock *uint64
	Submissions []Submission
}

// Service wires the pipeline's collaborators.
type Service struct {
	chain ChainReader
	keys  KeySource
	gate  PolicyGate
	kill  *Killswitch
}

func New(chain ChainReader, keys KeySource, gate PolicyGate, kill *Killswitch) *Service {
	return &Service{chain: chain, keys: keys, gate: gate, kill: kill}
}

// Killswitch exposes the emergency stop for admin handlers and status
// reporting.
func (s *Service) Killswitch() *Killswitch { return s.kill }

// Submit runs one request through the pipeline.
func (s *Service) Submit(ctx context.Context, plan Plan, req Request) (*Receipt, error) {
	rec, err := s.submit(ctx, plan, req)
	if err != nil {
		requestsRejectedCounter.Inc(1)
		return nil, err
	}
	bundlesAcceptedCounter.Inc(1)
	return rec, nil
}

func (s *Service) submit(ctx context.Context, plan Plan, req Request) (*Receipt, error) {
	if s.kill.Active() {
		return nil, ErrKillswitchActive
	}
	if len(plan.Relays) == 0 {
		return nil, ErrNoEnabledRelays
	}

	key, err := s.keys.PaymentKey()
	if err != nil {
		return nil, err
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	tx1, err := txcodec.Decode(req.Tx1Hex)
	if err != nil {
		return nil, err
	}

	baseFee, err := s.chain.BaseFee(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := s.chain.NonceAt(ctx, from)
	if err != nil {
		return nil, err
	}
	balance, err := s.chain.BalanceAt(ctx, from)
	if err != nil {
		return nil, err
	}

	gas, err := s.chain.EstimateGasTx(ctx, tx1)
	if err != nil {
		log.Warn("Gas estimation failed, using transfer fallback", "tx1", tx1.Hash(), "fallback", paymentGasLimit, "err", err)
		gas = paymentGasLimit
	}
	// The bundle burns tx1's gas plus the payment transfer.
	estimatedGas := gas + paymentGasLimit

	baseFeeWei, _ := uint256.FromBig(baseFee)
	priced, err := payment.Calculate(payment.Params{
		GasUsed:       estimatedGas,
		BaseFeePerGas: baseFeeWei,
		Formula:       plan.Formula,
		K1:            plan.K1,
		K2:            plan.K2,
		MaxAmount:     plan.MaxAmount,
	})
	if err != nil {
		return nil, err
	}
	if priced.WasCapped {
		paymentsCappedCounter.Inc(1)
		log.Info("Payment capped at configured maximum", "amount", priced.AmountWei, "gasUsed", estimatedGas)
	}

	feeCap := paymentFeeCap(baseFee)
	gasCost := new(big.Int).Mul(big.NewInt(paymentGasLimit), feeCap)
	required := new(big.Int).Add(gasCost, priced.AmountWei.ToBig())
	if balance.Cmp(required) < 0 {
		return nil, &InsufficientBalanceError{BalanceWei: balance, RequiredWei: required}
	}

	// Reserve the spend before anything reaches the wire. A relay failure
	// after this point does not refund the counter.
	if err := s.gate.Admit(priced.AmountWei); err != nil {
		return nil, err
	}

	rawTx1, err := tx1.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode tx1: %w", err)
	}
	tx1Hex := hexutil.Encode(rawTx1)

	// One payment tx per relay: same nonce and amount, the relay's own
	// payment address. At most one can land.
	forged := make([]*txcodec.Forged, len(plan.Relays))
	for i, r := range plan.Relays {
		f, err := txcodec.Forge(txcodec.ForgeParams{
			ChainID:   plan.ChainID,
			Nonce:     nonce,
			To:        r.PaymentAddress(),
			Value:     priced.AmountWei.ToBig(),
			GasLimit:  paymentGasLimit,
			GasFeeCap: feeCap,
			GasTipCap: new(big.Int),
		}, key)
		if err != nil {
			return nil, err
		}
		forged[i] = f
	}

	opts := relay.Options{TargetBlock: req.TargetBlock}
	subs := make([]Submission, len(plan.Relays))
	var wg sync.WaitGroup
	for i, r := range plan.Relays {
		wg.Add(1)
		go func(i int, r Submitter) {
			defer wg.Done()
			sub := Submission{Builder: r.Name(), PaymentTxHash: forged[i].HashHex}
			bundleHash, err := r.SendBundle(ctx, []string{tx1Hex, forged[i].RawHex}, opts)
			if err != nil {
				relayFailuresCounter.Inc(1)
				sub.Status = StatusFailed
				sub.Error = err.Error()
				log.Warn("Relay submission failed", "relay", r.Name(), "err", err)
			} else {
				sub.Status = StatusSubmitted
				sub.Response = bundleHash
			}
			subs[i] = sub
		}(i, r)
	}
	wg.Wait()

	return &Receipt{
		BundleID:    uuid.New().String(),
		Tx1Hash:     tx1.Hash().Hex(),
		PaymentWei:  priced.AmountWei,
		WasCapped:   priced.WasCapped,
		TargetBlock: req.TargetBlock,
		Submissions: subs,
	}, nil
}

// paymentFeeCap prices the payment tx to survive moderate base-fee growth:
// maxFeePerGas = 3*baseFee/2 with a zero tip.
func paymentFeeCap(baseFee *big.Int) *big.Int {
	c := new(big.Int).Mul(baseFee, big.NewInt(3))
	return c.Div(c, big.NewInt(2))
}
