package relayer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Identity is the relayer's long-lived signing key. The process owns it
// exclusively: every broadcast from this address must go through the
// Sequencer so account nonces are handed out in order.
type Identity struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewIdentity parses a hex-encoded private key.
func NewIdentity(hexKey string) (*Identity, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, errors.New("relayer private key is empty")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse relayer private key: %w", err)
	}
	return &Identity{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the relayer's account address.
func (i *Identity) Address() common.Address {
	if i == nil {
		return common.Address{}
	}
	return i.address
}

// SignTx signs a transaction with the relayer key using the EIP-1559 signer.
func (i *Identity) SignTx(tx *coretypes.Transaction, chainID *big.Int) (*coretypes.Transaction, error) {
	if i == nil || i.key == nil {
		return nil, errors.New("relayer identity not initialised")
	}
	return coretypes.SignTx(tx, coretypes.NewLondonSigner(chainID), i.key)
}
