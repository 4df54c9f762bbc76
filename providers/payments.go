package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"escrowflow/escrow"
)

// PaymentClient drives the payment provider's form-encoded API: checkout
// sessions to collect the buyer's funds, transfers to pay the seller out,
// refunds to return funds to the buyer.
type PaymentClient struct {
	baseURL    string
	secretKey  string
	successURL string
	cancelURL  string
	client     *http.Client
}

func NewPaymentClient(baseURL, secretKey, successURL, cancelURL string) *PaymentClient {
	return &PaymentClient{
		baseURL:    baseURL,
		secretKey:  secretKey,
		successURL: successURL,
		cancelURL:  cancelURL,
		client:     &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *PaymentClient) post(ctx context.Context, path string, form url.Values, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("providers: build payment request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("providers: payment call %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("providers: payment call %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("providers: decode payment response: %w", err)
	}
	return nil
}

// CreateCheckout opens a checkout session that collects the full escrow
// amount from the buyer.
func (c *PaymentClient) CreateCheckout(ctx context.Context, params escrow.CheckoutParams) (escrow.CheckoutSession, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", c.successURL)
	form.Set("cancel_url", c.cancelURL)
	form.Set("customer_email", params.BuyerEmail)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", params.Currency)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(params.AmountCents, 10))
	form.Set("line_items[0][price_data][product_data][name]", params.Description)
	form.Set("metadata[trade_id]", params.TradeID)
	form.Set("payment_intent_data[metadata][trade_id]", params.TradeID)

	var session struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := c.post(ctx, "/v1/checkout/sessions", form, &session); err != nil {
		return escrow.CheckoutSession{}, err
	}
	return escrow.CheckoutSession{Ref: session.ID, URL: session.URL}, nil
}

// CreateTransfer moves the seller's leg to their payout account.
func (c *PaymentClient) CreateTransfer(ctx context.Context, params escrow.TransferParams) (string, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(params.AmountCents, 10))
	form.Set("currency", params.Currency)
	form.Set("destination", params.Destination)
	form.Set("metadata[trade_id]", params.TradeID)

	var transfer struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/v1/transfers", form, &transfer); err != nil {
		return "", err
	}
	return transfer.ID, nil
}

// CreateRefund returns part or all of the captured payment to the buyer.
func (c *PaymentClient) CreateRefund(ctx context.Context, paymentRef string, amountCents int64) (string, error) {
	form := url.Values{}
	form.Set("payment_intent", paymentRef)
	form.Set("amount", strconv.FormatInt(amountCents, 10))

	var refund struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/v1/refunds", form, &refund); err != nil {
		return "", err
	}
	return refund.ID, nil
}
