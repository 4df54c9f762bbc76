package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func sign(secret []byte, body string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func newTestServer() *Server {
	return &Server{
		esignSecret:   []byte("esign-secret"),
		paymentSecret: []byte("payment-secret"),
	}
}

func TestHandleHealth(t *testing.T) {
	server := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.handleHealth(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/healthz", nil)
	rec = httptest.NewRecorder()
	server.handleHealth(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleESignWebhook_WrongMethod(t *testing.T) {
	server := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/webhooks/esign", nil)
	rec := httptest.NewRecorder()

	server.handleESignWebhook(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleESignWebhook_BadSignature(t *testing.T) {
	server := newTestServer()

	body := `{"event_type":"submitter.signed","data":{"id":1}}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/esign", strings.NewReader(body))
	req.Header.Set("X-Signature", sign([]byte("wrong-secret"), body))
	rec := httptest.NewRecorder()

	server.handleESignWebhook(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleESignWebhook_MissingSignature(t *testing.T) {
	server := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/esign", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	server.handleESignWebhook(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleESignWebhook_MalformedBody(t *testing.T) {
	server := newTestServer()

	body := `{"event_type": "submitter.signed", "data": `
	req := httptest.NewRequest(http.MethodPost, "/webhooks/esign", strings.NewReader(body))
	req.Header.Set("X-Signature", sign(server.esignSecret, body))
	rec := httptest.NewRecorder()

	server.handleESignWebhook(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandlePaymentWebhook_BadSignature(t *testing.T) {
	server := newTestServer()

	body := `{"type":"checkout.session.completed","data":{"object":{"id":"cs_1"}}}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(body))
	req.Header.Set("X-Signature", "deadbeef")
	rec := httptest.NewRecorder()

	server.handlePaymentWebhook(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandlePaymentWebhook_MalformedBody(t *testing.T) {
	server := newTestServer()

	body := `{"type": "checkout.session.completed", "data": {`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(body))
	req.Header.Set("X-Signature", sign(server.paymentSecret, body))
	rec := httptest.NewRecorder()

	server.handlePaymentWebhook(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRoutes(t *testing.T) {
	server := newTestServer()
	mux := server.routes()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from mux, got %d", rec.Code)
	}
}
