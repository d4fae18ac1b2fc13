// Package txcodec decodes raw signed Ethereum transactions and forges the
// EIP-1559 builder-payment transactions attached to outgoing bundles.
package txcodec

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrInvalidTxHex marks payloads that cannot be decoded into a signed
// transaction. It wraps the underlying hex or RLP error.
var ErrInvalidTxHex = errors.New("invalid transaction hex")

// Decode parses a raw signed transaction from hex, with or without the 0x
// prefix, into its typed form. The EIP-2718 envelope decides the type.
func Decode(rawHex string) (*types.Transaction, error) {
	s := strings.TrimSpace(rawHex)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTxHex, err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidTxHex)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTxHex, err)
	}
	return tx, nil
}

// Sender recovers the signing address of a decoded transaction.
func Sender(tx *types.Transaction) (common.Address, error) {
	return types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
}

// ForgeParams describes one payment transaction to synthesise. Input data and
// access list are always empty: the payment is a plain ETH transfer.
type ForgeParams struct {
	ChainID   *big.Int
	Nonce     uint64
	To        common.Address
	Value     *big.Int
	GasLimit  uint64
	GasFeeCap *big.Int
	GasTipCap *big.Int
}

// Forged is a signed payment transaction ready for bundling. RawHex is the
// EIP-2718 envelope (0x02 || rlp) and HashHex its keccak256, both 0x-prefixed
// lower-case.
type Forged struct {
	Tx      *types.Transaction
	RawHex  string
	HashHex string
}

// Forge builds, signs and encodes an EIP-1559 transaction. The key is used
// for signing only and is never formatted into errors or logs.
func Forge(p ForgeParams, key *ecdsa.PrivateKey) (*Forged, error) {
	if key == nil {
		return nil, errors.New("nil signer key")
	}
	if p.ChainID == nil || p.ChainID.Sign() <= 0 {
		return nil, errors.New("chain id required to forge payment tx")
	}
	to := p.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   p.ChainID,
		Nonce:     p.Nonce,
		GasTipCap: p.GasTipCap,
		GasFeeCap: p.GasFeeCap,
		Gas:       p.GasLimit,
		To:        &to,
		Value:     p.Value,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(p.ChainID), key)
	if err != nil {
		return nil, fmt.Errorf("sign payment tx: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode payment tx: %w", err)
	}
	return &Forged{
		Tx:      signed,
		RawHex:  hexutil.Encode(raw),
		HashHex: signed.Hash().Hex(),
	}, nil
}
