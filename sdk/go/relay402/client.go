// Package relay402 provides a small HTTP client for the x402 relay API. It
// drives the two-round payment handshake: request a challenge, pay (or sign
// authorizations) out of band, then retry with the X-PAYMENT header attached.
package relay402

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Settlement blocks on chain confirmation server-side, so
// it runs longer than a typical API timeout.
const DefaultHTTPTimeout = 120 * time.Second

// PaymentHeader is the request header carrying the encoded payment proof.
const PaymentHeader = "X-PAYMENT"

// SettlementHeader is the response header carrying the settlement summary.
const SettlementHeader = "X-PAYMENT-RESPONSE"

// Client wraps the HTTP interactions with the relay REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// NewClient instantiates a client for the relay API. When httpClient is nil, a
// default client with a settlement-sized timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// RelayRequest describes the forwarding the relayer should perform. Amount is
// in human-readable token units.
type RelayRequest struct {
	UserAddress string `json:"user_address"`
	ToAddress   string `json:"to_address"`
	Amount      string `json:"amount"`
}

// PaymentRequirement mirrors one entry of the 402 challenge's accepts list.
type PaymentRequirement struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	MaxAmountRequired string            `json:"maxAmountRequired"`
	Resource          string            `json:"resource"`
	Description       string            `json:"description"`
	MimeType          string            `json:"mimeType"`
	PayTo             string            `json:"payTo"`
	MaxTimeoutSeconds int64             `json:"maxTimeoutSeconds"`
	Asset             string            `json:"asset"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// Challenge is the body of a 402 response.
type Challenge struct {
	X402Version int                  `json:"x402Version"`
	Accepts     []PaymentRequirement `json:"accepts"`
	Error       string               `json:"error"`
}

// Requirement returns the challenge entry for the given scheme, if present.
func (c *Challenge) Requirement(scheme string) (PaymentRequirement, bool) {
	if c == nil {
		return PaymentRequirement{}, false
	}
	for _, req := range c.Accepts {
		if req.Scheme == scheme {
			return req, true
		}
	}
	return PaymentRequirement{}, false
}

// Authorization is one pre-signed EIP-3009 transfer authorization. Numeric
// fields are decimal strings, nonce and signature components are hex.
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

// SettlementSummary is the decoded X-PAYMENT-RESPONSE header.
type SettlementSummary struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
	PaidTxHash  string `json:"paidTxHash,omitempty"`
	RelayTxHash string `json:"relayTxHash,omitempty"`
	FeeTxHash   string `json:"feeTxHash,omitempty"`
	Status      string `json:"status"`
}

// RelayResult is the business response of a settled (or partially settled)
// relay call.
type RelayResult struct {
	OK         bool               `json:"ok"`
	Message    string             `json:"message"`
	Settlement *SettlementSummary `json:"settlement,omitempty"`
	// Summary is the settlement decoded from the response header; it matches
	// Settlement when both are present.
	Summary *SettlementSummary `json:"-"`
}

// PaymentRequiredError is returned when the server answers 402. It carries the
// challenge so the caller can pay and retry.
type PaymentRequiredError struct {
	Challenge Challenge
}

func (e *PaymentRequiredError) Error() string {
	if e.Challenge.Error != "" {
		return "relay402: payment required: " + e.Challenge.Error
	}
	return "relay402: payment required"
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string
	Settlement *SettlementSummary
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay402 api error (%d): %s", e.StatusCode, e.Message)
}

// RequestChallenge performs the first handshake round: a relay call without a
// payment proof. The server is expected to answer 402 with the requirements.
func (c *Client) RequestChallenge(ctx context.Context, req RelayRequest) (*Challenge, error) {
	_, err := c.relay(ctx, req, "")
	var paymentErr *PaymentRequiredError
	if errors.As(err, &paymentErr) {
		return &paymentErr.Challenge, nil
	}
	if err != nil {
		return nil, err
	}
	return nil, errors.New("relay402: server settled without a payment proof")
}

// RelayWithSimpleTransfer performs the second round using an already-mined
// payment transaction as proof.
func (c *Client) RelayWithSimpleTransfer(ctx context.Context, req RelayRequest, network, paymentTxHash string) (*RelayResult, error) {
	inner, err := json.Marshal(map[string]string{
		"txHash": paymentTxHash,
		"from":   req.UserAddress,
	})
	if err != nil {
		return nil, fmt.Errorf("encode payment payload: %w", err)
	}
	header, err := encodePayload("simple-transfer", network, inner)
	if err != nil {
		return nil, err
	}
	return c.relay(ctx, req, header)
}

// RelayWithDualAuthorization performs the second round using two pre-signed
// transfer authorizations: principal to the recipient, fee to the relayer.
func (c *Client) RelayWithDualAuthorization(ctx context.Context, req RelayRequest, network string, authMain, authFee Authorization) (*RelayResult, error) {
	inner, err := json.Marshal(map[string]Authorization{
		"auth_main": authMain,
		"auth_fee":  authFee,
	})
	if err != nil {
		return nil, fmt.Errorf("encode payment payload: %w", err)
	}
	header, err := encodePayload("dual-authorization", network, inner)
	if err != nil {
		return nil, err
	}
	return c.relay(ctx, req, header)
}

func encodePayload(scheme, network string, inner json.RawMessage) (string, error) {
	envelope, err := json.Marshal(map[string]any{
		"x402Version": 1,
		"scheme":      scheme,
		"network":     network,
		"payload":     inner,
	})
	if err != nil {
		return "", fmt.Errorf("encode payment envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(envelope), nil
}

func (c *Client) relay(ctx context.Context, req RelayRequest, paymentHeader string) (*RelayResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	rel := &url.URL{Path: path.Join(c.baseURL.Path, "/api/v1/relay")}
	endpoint := c.baseURL.ResolveReference(rel)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if paymentHeader != "" {
		httpReq.Header.Set(PaymentHeader, paymentHeader)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusPaymentRequired:
		var challenge Challenge
		if err := json.Unmarshal(data, &challenge); err != nil {
			return nil, fmt.Errorf("decode challenge: %w", err)
		}
		return nil, &PaymentRequiredError{Challenge: challenge}
	case resp.StatusCode >= 400:
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(data))}
		var parsed RelayResult
		if json.Unmarshal(data, &parsed) == nil && parsed.Message != "" {
			apiErr.Message = parsed.Message
			apiErr.Settlement = parsed.Settlement
		}
		return nil, apiErr
	}

	var result RelayResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if summary, err := DecodeSettlementHeader(resp.Header.Get(SettlementHeader)); err == nil {
		result.Summary = summary
	}
	return &result, nil
}

// DecodeSettlementHeader decodes the base64 JSON settlement summary header.
func DecodeSettlementHeader(value string) (*SettlementSummary, error) {
	if value == "" {
		return nil, fmt.Errorf("empty %s header", SettlementHeader)
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode %s header: %w", SettlementHeader, err)
	}
	var summary SettlementSummary
	if err := json.Unmarshal(raw, &summary); err != nil {
		return nil, fmt.Errorf("parse %s header: %w", SettlementHeader, err)
	}
	return &summary, nil
}
