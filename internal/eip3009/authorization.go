package eip3009

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Authorization mirrors the payload a wallet produces when signing a
// TransferWithAuthorization message: the message fields plus the split
// signature. Numeric fields travel as decimal strings so precision never
// depends on JSON number handling.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
	V           uint8  `json:"v"`
	R           string `json:"r"`
	S           string `json:"s"`
}

// FromAddress parses the signer address.
func (a Authorization) FromAddress() (common.Address, error) {
	return parseAddress(a.From, "from")
}

// ToAddress parses the recipient address.
func (a Authorization) ToAddress() (common.Address, error) {
	return parseAddress(a.To, "to")
}

// ValueInt parses the atomic transfer value.
func (a Authorization) ValueInt() (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(a.Value), 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid authorization value %q", a.Value)
	}
	return value, nil
}

// Window parses the validAfter/validBefore unix bounds.
func (a Authorization) Window() (validAfter, validBefore int64, err error) {
	validAfter, err = strconv.ParseInt(strings.TrimSpace(a.ValidAfter), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid validAfter %q", a.ValidAfter)
	}
	validBefore, err = strconv.ParseInt(strings.TrimSpace(a.ValidBefore), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid validBefore %q", a.ValidBefore)
	}
	return validAfter, validBefore, nil
}

// NonceBytes decodes the 32-byte one-time nonce.
func (a Authorization) NonceBytes() ([32]byte, error) {
	var nonce [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(a.Nonce), "0x"))
	if err != nil {
		return nonce, fmt.Errorf("invalid nonce %q: %w", a.Nonce, err)
	}
	if len(raw) != 32 {
		return nonce, fmt.Errorf("nonce must be 32 bytes, got %d", len(raw))
	}
	copy(nonce[:], raw)
	return nonce, nil
}

// SignatureParts decodes v, r and s. v is normalised to 27/28 as the token
// contract expects.
func (a Authorization) SignatureParts() (v uint8, r, s [32]byte, err error) {
	v = a.V
	if v == 0 || v == 1 {
		v += 27
	}
	if v != 27 && v != 28 {
		return 0, r, s, fmt.Errorf("invalid signature v value %d", a.V)
	}
	if r, err = parseWord(a.R, "r"); err != nil {
		return 0, r, s, err
	}
	if s, err = parseWord(a.S, "s"); err != nil {
		return 0, r, s, err
	}
	return v, r, s, nil
}

func parseAddress(raw, field string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid %s address %q", field, raw)
	}
	return common.HexToAddress(trimmed), nil
}

func parseWord(raw, field string) ([32]byte, error) {
	var word [32]byte
	decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return word, fmt.Errorf("invalid signature %s: %w", field, err)
	}
	if len(decoded) == 0 || len(decoded) > 32 {
		return word, fmt.Errorf("signature %s must be 1..32 bytes, got %d", field, len(decoded))
	}
	copy(word[32-len(decoded):], decoded)
	return word, nil
}
