package http

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"

	relay "github.com/x402-foundation/gasless-relay"
	"github.com/x402-foundation/gasless-relay/mechanisms/evm"
	"github.com/x402-foundation/gasless-relay/queue"
	"github.com/x402-foundation/gasless-relay/session"
	evmsigners "github.com/x402-foundation/gasless-relay/signers/evm"
	"github.com/x402-foundation/gasless-relay/store"
	"github.com/x402-foundation/gasless-relay/test/mocks/chain"
)

const testChainID = 84532

var (
	testToken     = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	testRecipient = common.HexToAddress("0x209693Bc6afc0C5328bA36FaF03C514EF312287C")
	testDelegate  = common.HexToAddress("0x63c0c19a282a1B52b07dD5a65b58948A07DAE32B")
)

type testServer struct {
	chain  *chain.Chain
	queue  *queue.Queue
	router *gin.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	c := chain.New(testChainID)
	q := queue.New(store.NewMemoryStore[queue.Item]())
	r, err := relay.New(context.Background(), c, relay.WithDelegateAddress(testDelegate), relay.WithReceiptQueue(q))
	if err != nil {
		t.Fatalf("failed to create relay: %v", err)
	}
	combiner := session.NewCombiner(store.NewMemoryStore[session.KeyRecord](), store.NewMemoryStore[session.PaymentRequest]())
	return &testServer{chain: c, queue: q, router: NewServer(r, combiner, q).Router()}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), dst); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
}

type errorBody struct {
	Error relay.RelayError `json:"error"`
}

func signedRelayRequest(t *testing.T, payer *evmsigners.PayerSigner, amount, nonce int64) relay.RelayRequest {
	t.Helper()
	intent := &evm.ParsedIntent{
		From:     payer.Address(),
		Token:    testToken,
		To:       testRecipient,
		Amount:   big.NewInt(amount),
		Nonce:    big.NewInt(nonce),
		Deadline: big.NewInt(1_900_000_000),
	}
	sig, err := payer.SignTransfer(context.Background(), intent, evm.TypedDataDomain{
		Name:              relay.DefaultDomainName,
		Version:           relay.DefaultDomainVersion,
		ChainID:           big.NewInt(testChainID),
		VerifyingContract: payer.Address().Hex(),
	})
	if err != nil {
		t.Fatalf("failed to sign intent: %v", err)
	}
	setCode, err := payer.SignAuthorization(big.NewInt(testChainID), testDelegate, 0)
	if err != nil {
		t.Fatalf("failed to sign authorization: %v", err)
	}
	auth := evm.AuthorizationFromSetCode(setCode)
	return relay.RelayRequest{
		Payer: payer.Address().Hex(),
		Intent: evm.TransferIntent{
			From:     payer.Address().Hex(),
			Token:    testToken.Hex(),
			To:       testRecipient.Hex(),
			Amount:   intent.Amount.String(),
			Nonce:    intent.Nonce.String(),
			Deadline: intent.Deadline.String(),
		},
		Signature:     evm.BytesToHex(sig),
		Authorization: &auth,
	}
}

func newPayer(t *testing.T) *evmsigners.PayerSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return evmsigners.NewPayerSigner(key)
}

func TestRelayEndpointAndDelivery(t *testing.T) {
	s := newTestServer(t)
	payer := newPayer(t)
	s.chain.SetBalance(testToken, payer.Address(), big.NewInt(1000))

	w := s.do(t, http.MethodPost, "/relay", signedRelayRequest(t, payer, 300, 0))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var outcome relay.Outcome
	decode(t, w, &outcome)
	if outcome.Status != relay.StatusMined || !outcome.Success || outcome.TxHash == "" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}

	w = s.do(t, http.MethodGet, "/queue", nil)
	var drained struct {
		Items []queue.Item `json:"items"`
	}
	decode(t, w, &drained)
	if len(drained.Items) != 1 || drained.Items[0].Receipt.TxHash != outcome.TxHash {
		t.Fatalf("expected the receipt in the queue, got %+v", drained.Items)
	}
	id := drained.Items[0].ID

	w = s.do(t, http.MethodPost, "/queue/"+id+"/status", StatusUpdateRequest{Status: "completed"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = s.do(t, http.MethodPost, "/queue/"+id+"/status", StatusUpdateRequest{Status: "completed"})
	var result queue.UpdateResult
	decode(t, w, &result)
	if !result.Duplicate {
		t.Error("second completion should be reported as duplicate")
	}

	w = s.do(t, http.MethodGet, "/queue/"+id, nil)
	var item queue.Item
	decode(t, w, &item)
	if item.Status != queue.StatusCompleted {
		t.Errorf("expected completed item, got %s", item.Status)
	}
}

func TestRelayEndpointErrors(t *testing.T) {
	s := newTestServer(t)
	payer := newPayer(t)
	s.chain.SetBalance(testToken, payer.Address(), big.NewInt(1000))

	tests := []struct {
		name   string
		body   interface{}
		status int
		code   string
	}{
		{"not json", "{", http.StatusBadRequest, relay.ErrCodeInvalidRequest},
		{"schema violation", map[string]interface{}{"payer": payer.Address().Hex()}, http.StatusBadRequest, relay.ErrCodeInvalidRequest},
		{"bad nonce", signedRelayRequest(t, payer, 100, 9), http.StatusConflict, relay.ErrCodeBadNonce},
		{"insufficient balance", signedRelayRequest(t, payer, 5000, 0), http.StatusUnprocessableEntity, relay.ErrCodeInsufficientBalance},
		{"invalid signature", func() relay.RelayRequest {
			req := signedRelayRequest(t, payer, 100, 0)
			req.Signature = signedRelayRequest(t, newPayer(t), 100, 0).Signature
			return req
		}(), http.StatusUnauthorized, relay.ErrCodeInvalidSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/relay", tt.body)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			var body errorBody
			decode(t, w, &body)
			if body.Error.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, body.Error.Code)
			}
		})
	}
	if s.chain.SentCount() != 0 {
		t.Errorf("no transaction should be sent, got %d", s.chain.SentCount())
	}
}

func TestNonceEndpoint(t *testing.T) {
	s := newTestServer(t)
	payer := newPayer(t)
	s.chain.SetSequence(payer.Address(), 6)

	w := s.do(t, http.MethodPost, "/nonce", relay.NonceRequest{Payer: payer.Address().Hex()})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp relay.NonceResponse
	decode(t, w, &resp)
	if resp.Nonce != "6" || resp.Path != evm.NoncePathStorage {
		t.Errorf("unexpected nonce response %+v", resp)
	}

	w = s.do(t, http.MethodPost, "/nonce", relay.NonceRequest{Payer: "not-an-address"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	s := newTestServer(t)
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	s.chain.SetBalance(testToken, crypto.PubkeyToAddress(key.PublicKey), big.NewInt(1000))

	w := s.do(t, http.MethodPost, "/session/key", StoreKeyRequest{Key: hexutil.Encode(crypto.FromECDSA(key))})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var stored StoreKeyResponse
	decode(t, w, &stored)
	if stored.SessionID == "" {
		t.Fatal("expected a generated session id")
	}

	w = s.do(t, http.MethodPost, "/session/payment", session.PaymentRequest{
		SessionID: stored.SessionID,
		Amount:    "250",
		Recipient: testRecipient.Hex(),
		Token:     testToken.Hex(),
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	w = s.do(t, http.MethodPost, "/session/pay", SessionPayRequest{SessionID: stored.SessionID})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var outcome relay.Outcome
	decode(t, w, &outcome)
	if outcome.Status != relay.StatusMined || !outcome.Success {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if got := s.chain.Balance(testToken, testRecipient); got.Cmp(big.NewInt(250)) != 0 {
		t.Errorf("recipient balance = %s, want 250", got)
	}

	// The key was consumed.
	w = s.do(t, http.MethodPost, "/session/pay", SessionPayRequest{
		SessionID: stored.SessionID,
		Payment:   &session.PaymentRequest{Amount: "1", Recipient: testRecipient.Hex(), Token: testToken.Hex()},
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 on replay, got %d: %s", w.Code, w.Body.String())
	}

	// Replaying the key scan cannot arm a used session again.
	w = s.do(t, http.MethodPost, "/session/key", StoreKeyRequest{
		SessionID: stored.SessionID,
		Key:       hexutil.Encode(crypto.FromECDSA(key)),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 when re-arming a used session, got %d: %s", w.Code, w.Body.String())
	}
	var body errorBody
	decode(t, w, &body)
	if body.Error.Code != relay.ErrCodeInvalidSession {
		t.Errorf("expected code %s, got %s", relay.ErrCodeInvalidSession, body.Error.Code)
	}
}

func TestSessionEndpointErrors(t *testing.T) {
	s := newTestServer(t)
	key, _ := crypto.GenerateKey()
	hexKey := hexutil.Encode(crypto.FromECDSA(key))

	w := s.do(t, http.MethodPost, "/session/key", StoreKeyRequest{
		SessionID: "s-1",
		Key:       hexKey,
		ExpiresAt: time.Now().Add(-time.Minute).Unix(),
	})
	if w.Code != http.StatusGone {
		t.Errorf("past expiry: expected 410, got %d", w.Code)
	}

	w = s.do(t, http.MethodPost, "/session/key", StoreKeyRequest{SessionID: "s-2", Key: "0xnothex"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad key: expected 400, got %d", w.Code)
	}

	w = s.do(t, http.MethodPost, "/session/payment", session.PaymentRequest{
		SessionID: "missing",
		Amount:    "1",
		Recipient: testRecipient.Hex(),
		Token:     testToken.Hex(),
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("staging without key: expected 404, got %d", w.Code)
	}

	w = s.do(t, http.MethodPost, "/session/pay", SessionPayRequest{
		SessionID: "missing",
		Payment:   &session.PaymentRequest{Amount: "abc", Recipient: testRecipient.Hex(), Token: testToken.Hex()},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad payment: expected 400, got %d", w.Code)
	}
}

func TestQueueEndpointErrors(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/queue/unknown/status", StatusUpdateRequest{Status: "completed"})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown item: expected 404, got %d", w.Code)
	}

	w = s.do(t, http.MethodPost, "/queue/unknown/status", StatusUpdateRequest{Status: "in-flight"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad status: expected 400, got %d", w.Code)
	}

	w = s.do(t, http.MethodGet, "/queue", nil)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"items":[]`)) {
		t.Errorf("empty drain: got %d %s", w.Code, w.Body.String())
	}
}

func TestHealthAndDelegation(t *testing.T) {
	s := newTestServer(t)
	payer := newPayer(t)
	s.chain.SetDelegation(payer.Address(), testDelegate)

	w := s.do(t, http.MethodGet, "/health", nil)
	var health HealthResponse
	decode(t, w, &health)
	if health.Status != "ok" || health.ChainID != "84532" || health.Sponsor != chain.SponsorAddress.Hex() {
		t.Errorf("unexpected health %+v", health)
	}
	if health.Delegate != testDelegate.Hex() {
		t.Errorf("expected delegate %s, got %s", testDelegate.Hex(), health.Delegate)
	}

	w = s.do(t, http.MethodGet, "/delegation/"+payer.Address().Hex(), nil)
	var status relay.DelegationStatus
	decode(t, w, &status)
	if !status.Delegated || !status.MatchesConfigured {
		t.Errorf("unexpected delegation status %+v", status)
	}

	w = s.do(t, http.MethodGet, "/delegation/0x12", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad address: expected 400, got %d", w.Code)
	}
}
