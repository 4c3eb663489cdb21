package relay402

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func challengeBody() Challenge {
	return Challenge{
		X402Version: 1,
		Accepts: []PaymentRequirement{
			{
				Scheme:            "simple-transfer",
				Network:           "eip155:11155111",
				MaxAmountRequired: "1010000",
				PayTo:             "0x5555555555555555555555555555555555555555",
				Asset:             "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
			},
			{
				Scheme:            "dual-authorization",
				Network:           "eip155:11155111",
				MaxAmountRequired: "1000000",
				PayTo:             "0x2222222222222222222222222222222222222222",
			},
		},
	}
}

func TestRequestChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/relay" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if r.Header.Get(PaymentHeader) != "" {
			t.Fatal("challenge round must not carry a payment header")
		}
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(challengeBody())
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	challenge, err := client.RequestChallenge(context.Background(), RelayRequest{
		UserAddress: "0x1111111111111111111111111111111111111111",
		ToAddress:   "0x2222222222222222222222222222222222222222",
		Amount:      "1.00",
	})
	if err != nil {
		t.Fatalf("request challenge: %v", err)
	}

	simple, ok := challenge.Requirement("simple-transfer")
	if !ok {
		t.Fatal("challenge missing simple-transfer entry")
	}
	if simple.MaxAmountRequired != "1010000" {
		t.Fatalf("unexpected amount: %s", simple.MaxAmountRequired)
	}
	if _, ok := challenge.Requirement("dual-authorization"); !ok {
		t.Fatal("challenge missing dual-authorization entry")
	}
}

func TestRequestChallengeRejectsUnpaidSettlement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(RelayResult{OK: true})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.RequestChallenge(context.Background(), RelayRequest{}); err == nil {
		t.Fatal("a 200 without payment proof must be reported as an error")
	}
}

func TestRelayWithSimpleTransfer(t *testing.T) {
	summary := SettlementSummary{
		X402Version: 1,
		Scheme:      "simple-transfer",
		Network:     "eip155:11155111",
		PaidTxHash:  "0xaaa",
		RelayTxHash: "0xbbb",
		Status:      "settled",
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(PaymentHeader)
		if header == "" {
			t.Fatal("missing payment header")
		}
		raw, err := base64.StdEncoding.DecodeString(header)
		if err != nil {
			t.Fatalf("payment header is not base64: %v", err)
		}
		var envelope struct {
			X402Version int             `json:"x402Version"`
			Scheme      string          `json:"scheme"`
			Network     string          `json:"network"`
			Payload     json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			t.Fatalf("payment header is not JSON: %v", err)
		}
		if envelope.Scheme != "simple-transfer" || envelope.Network != "eip155:11155111" {
			t.Fatalf("unexpected envelope: %+v", envelope)
		}
		var proof struct {
			TxHash string `json:"txHash"`
			From   string `json:"from"`
		}
		if err := json.Unmarshal(envelope.Payload, &proof); err != nil {
			t.Fatalf("decode inner payload: %v", err)
		}
		if proof.TxHash != "0xaaa" {
			t.Fatalf("unexpected tx hash: %s", proof.TxHash)
		}

		encoded, _ := json.Marshal(summary)
		w.Header().Set(SettlementHeader, base64.StdEncoding.EncodeToString(encoded))
		_ = json.NewEncoder(w).Encode(RelayResult{OK: true, Message: "settled", Settlement: &summary})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	result, err := client.RelayWithSimpleTransfer(context.Background(), RelayRequest{
		UserAddress: "0x1111111111111111111111111111111111111111",
		ToAddress:   "0x2222222222222222222222222222222222222222",
		Amount:      "1.00",
	}, "eip155:11155111", "0xaaa")
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if !result.OK || result.Settlement == nil || result.Settlement.Status != "settled" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Summary == nil || result.Summary.RelayTxHash != "0xbbb" {
		t.Fatalf("settlement header not decoded: %+v", result.Summary)
	}
}

func TestRelayServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(RelayResult{
			OK:         false,
			Message:    "settlement outcome unknown, reconcile with the transaction hash",
			Settlement: &SettlementSummary{Status: "unknown", RelayTxHash: "0xccc"},
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.RelayWithSimpleTransfer(context.Background(), RelayRequest{}, "eip155:11155111", "0xaaa")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("unexpected status: %d", apiErr.StatusCode)
	}
	// An unknown outcome must carry the pending hash for reconciliation.
	if apiErr.Settlement == nil || apiErr.Settlement.RelayTxHash != "0xccc" {
		t.Fatalf("missing settlement in error: %+v", apiErr.Settlement)
	}
}

func TestDecodeSettlementHeader(t *testing.T) {
	if _, err := DecodeSettlementHeader(""); err == nil {
		t.Fatal("empty header must error")
	}
	if _, err := DecodeSettlementHeader("%%%"); err == nil {
		t.Fatal("invalid base64 must error")
	}
}
