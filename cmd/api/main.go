package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"escrowflow/audit"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/money"
	"escrowflow/providers"
	"escrowflow/signature"
	"escrowflow/trade"
)

const maxWebhookBody = 1 << 20

// Server exposes the provider webhooks that drive the trade lifecycle from
// the outside: e-signature callbacks and payment settlement events.
type Server struct {
	coordinator *escrow.Coordinator
	webhooks    *signature.WebhookProcessor

	esignSecret   []byte
	paymentSecret []byte
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/webhooks/esign", s.handleESignWebhook)
	mux.HandleFunc("/webhooks/payments", s.handlePaymentWebhook)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) readVerifiedBody(w http.ResponseWriter, r *http.Request, secret []byte) []byte {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}
	if err := signature.VerifyWebhook(secret, body, r.Header.Get("X-Signature")); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return nil
	}
	return body
}

func (s *Server) handleESignWebhook(w http.ResponseWriter, r *http.Request) {
	body := s.readVerifiedBody(w, r, s.esignSecret)
	if body == nil {
		return
	}
	n, err := signature.ParseNotification(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.webhooks.Handle(r.Context(), n); err != nil {
		log.Printf("esign webhook %s: %v", n.EventType, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body := s.readVerifiedBody(w, r, s.paymentSecret)
	if body == nil {
		return
	}
	n, err := escrow.ParseNotification(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.coordinator.HandlePaymentNotification(r.Context(), n); err != nil {
		log.Printf("payment webhook %s: %v", n.EventType, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// runSweeps fires the deadline jobs on an interval until ctx ends.
func runSweeps(ctx context.Context, trades *trade.Service, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if n, err := trades.SweepExpiredSignatureDeadlines(ctx, now); err != nil {
				log.Printf("sweep signature deadlines: %v", err)
			} else if n > 0 {
				log.Printf("expired %d signature rounds", n)
			}
			if n, err := trades.SweepReceiptConfirmations(ctx, now); err != nil {
				log.Printf("sweep receipt confirmations: %v", err)
			} else if n > 0 {
				log.Printf("auto-confirmed %d deliveries", n)
			}
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	ctx := context.Background()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	fees := money.FromEnv()

	trades := trade.NewService(pool, trade.NewRepository(), audit.NewRecorder(), fees,
		[]byte(os.Getenv("INVITATION_SECRET")))

	esign := providers.NewESignClient(
		envOr("ESIGN_API_URL", "https://api.docuseal.com"),
		os.Getenv("ESIGN_API_KEY"))
	signatures := signature.NewService(signature.NewRepository(), esign, os.Getenv("ESIGN_TEMPLATE_ID"))
	trades.WithSignatureRounds(signatures)

	shipping := providers.NewShippingClient(
		envOr("SHIPPING_API_URL", "https://api.shippo.com"),
		os.Getenv("SHIPPING_API_KEY"))
	trades.WithReturnLabeler(shipping)

	payments := providers.NewPaymentClient(
		envOr("PAYMENTS_API_URL", "https://api.stripe.com"),
		os.Getenv("PAYMENTS_SECRET_KEY"),
		os.Getenv("CHECKOUT_SUCCESS_URL"),
		os.Getenv("CHECKOUT_CANCEL_URL"))
	coordinator := escrow.NewCoordinator(pool, escrow.NewRepository(), dispute.NewRepository(), trades, payments, fees)

	server := &Server{
		coordinator:   coordinator,
		webhooks:      signature.NewWebhookProcessor(pool, signatures, trades),
		esignSecret:   []byte(os.Getenv("ESIGN_WEBHOOK_SECRET")),
		paymentSecret: []byte(os.Getenv("PAYMENTS_WEBHOOK_SECRET")),
	}

	go runSweeps(ctx, trades, time.Minute)

	addr := envOr("LISTEN_ADDR", ":8080")
	log.Printf("listening on %s", addr)
	if err := http.ListenAndServe(addr, server.routes()); err != nil {
		log.Fatalf("http server: %v", err)
	}
}
