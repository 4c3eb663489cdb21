package eip3009

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/google/uuid"
)

// Domain binds an authorization to one token contract deployment.
type Domain struct {
	TokenName    string
	TokenVersion string
	ChainID      int64
	Contract     common.Address
}

// Codec builds, signs and verifies TransferWithAuthorization typed data for
// a fixed domain. Verification here is only a fail-fast pre-check; the token
// contract remains the authoritative verifier at redemption time.
type Codec struct {
	domain Domain
}

// NewCodec constructs a codec for the given domain.
func NewCodec(domain Domain) *Codec {
	return &Codec{domain: domain}
}

// typedData assembles the canonical EIP-712 structure for one authorization.
func (c *Codec) typedData(auth Authorization) (apitypes.TypedData, error) {
	from, err := auth.FromAddress()
	if err != nil {
		return apitypes.TypedData{}, err
	}
	to, err := auth.ToAddress()
	if err != nil {
		return apitypes.TypedData{}, err
	}
	value, err := auth.ValueInt()
	if err != nil {
		return apitypes.TypedData{}, err
	}
	validAfter, validBefore, err := auth.Window()
	if err != nil {
		return apitypes.TypedData{}, err
	}
	nonce, err := auth.NonceBytes()
	if err != nil {
		return apitypes.TypedData{}, err
	}

	chainID := math.HexOrDecimal256(*big.NewInt(c.domain.ChainID))
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              c.domain.TokenName,
			Version:           c.domain.TokenVersion,
			ChainId:           &chainID,
			VerifyingContract: c.domain.Contract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        from.Hex(),
			"to":          to.Hex(),
			"value":       value,
			"validAfter":  big.NewInt(validAfter),
			"validBefore": big.NewInt(validBefore),
			"nonce":       nonce,
		},
	}, nil
}

// Digest computes the EIP-712 signing hash for an authorization.
func (c *Codec) Digest(auth Authorization) ([]byte, error) {
	typed, err := c.typedData(auth)
	if err != nil {
		return nil, err
	}
	domainSeparator, err := typed.HashStruct("EIP712Domain", typed.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash typed data domain: %w", err)
	}
	messageHash, err := typed.HashStruct(typed.PrimaryType, typed.Message)
	if err != nil {
		return nil, fmt.Errorf("hash typed data message: %w", err)
	}
	raw := append(append([]byte("\x19\x01"), domainSeparator...), messageHash...)
	return crypto.Keccak256(raw), nil
}

// RecoverSigner recovers the address that produced the authorization's
// signature. Callers compare it against the declared from address.
func (c *Codec) RecoverSigner(auth Authorization) (common.Address, error) {
	digest, err := c.Digest(auth)
	if err != nil {
		return common.Address{}, err
	}

	v, r, s, err := auth.SignatureParts()
	if err != nil {
		return common.Address{}, err
	}
	sig := make([]byte, 65)
	copy(sig[0:32], r[:])
	copy(sig[32:64], s[:])
	sig[64] = v - 27

	pubkey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pubkey), nil
}

// Sign fills the authorization's signature fields using the given key.
// Deterministic given the message and key; used by tests and the demo
// authorization builder, never with user keys in production.
func (c *Codec) Sign(auth *Authorization, key *ecdsa.PrivateKey) error {
	if auth == nil {
		return fmt.Errorf("authorization is nil")
	}
	digest, err := c.Digest(*auth)
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return fmt.Errorf("sign authorization: %w", err)
	}
	auth.V = sig[64] + 27
	auth.R = hexutil.Encode(sig[0:32])
	auth.S = hexutil.Encode(sig[32:64])
	return nil
}

// NewAuthorization builds an unsigned authorization valid from now for the
// given duration, with a fresh random nonce.
func NewAuthorization(from, to common.Address, value *big.Int, validFor time.Duration) Authorization {
	now := time.Now()
	nonce := uuid.New()
	var padded [32]byte
	copy(padded[32-len(nonce):], nonce[:])

	return Authorization{
		From:        from.Hex(),
		To:          to.Hex(),
		Value:       value.String(),
		ValidAfter:  "0",
		ValidBefore: fmt.Sprintf("%d", now.Add(validFor).Unix()),
		Nonce:       hexutil.Encode(padded[:]),
	}
}
