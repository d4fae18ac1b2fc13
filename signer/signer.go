// Package signer supplies the operator key that funds builder payments. The
// key is read from the environment on every request, so rotation needs no
// restart. Raw key material never reaches logs or error messages.
package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// EnvKey names the environment variable holding the payment signer key as
// 64 hex characters, with or without the 0x prefix.
const EnvKey = "PAYMENT_SIGNER_PRIVATE_KEY"

var (
	// ErrKeyMissing reports that the environment variable is unset or empty.
	ErrKeyMissing = errors.New("payment signer key not configured")
	// ErrKeyInvalid reports that the key material does not parse.
	ErrKeyInvalid = errors.New("invalid payment signer key")
)

// EnvProvider reads the payment key from the process environment on demand.
// The zero value is ready to use.
type EnvProvider struct{}

// PaymentKey parses the current key from the environment.
func (EnvProvider) PaymentKey() (*ecdsa.PrivateKey, error) {
	raw := strings.TrimSpace(os.Getenv(EnvKey))
	if raw == "" {
		return nil, ErrKeyMissing
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyInvalid, err)
	}
	return key, nil
}

// Address derives the payment account address, used for nonce and balance
// lookups and safe to log.
func Address(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}
