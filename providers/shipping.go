package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"escrowflow/trade"
)

// ShippingClient purchases prepaid return labels.
type ShippingClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewShippingClient(baseURL, apiKey string) *ShippingClient {
	return &ShippingClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type shippingAddress struct {
	Name    string `json:"name"`
	Street1 string `json:"street1"`
	Street2 string `json:"street2,omitempty"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zip     string `json:"zip"`
	Country string `json:"country"`
	Phone   string `json:"phone,omitempty"`
}

func toShippingAddress(c trade.Contact) shippingAddress {
	return shippingAddress{
		Name: c.Name, Street1: c.Street1, Street2: c.Street2,
		City: c.City, State: c.State, Zip: c.Zip, Country: c.Country,
		Phone: c.Phone,
	}
}

// CreateReturnLabel buys a label from the buyer's address back to the seller.
func (c *ShippingClient) CreateReturnLabel(ctx context.Context, t *trade.Trade) (trade.ReturnLabel, error) {
	payload := struct {
		From      shippingAddress `json:"from_address"`
		To        shippingAddress `json:"to_address"`
		Reference string          `json:"reference"`
	}{
		From:      toShippingAddress(t.BuyerContact),
		To:        toShippingAddress(t.SellerContact),
		Reference: t.ID,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return trade.ReturnLabel{}, fmt.Errorf("providers: marshal label request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/labels", bytes.NewReader(body))
	if err != nil {
		return trade.ReturnLabel{}, fmt.Errorf("providers: build label request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return trade.ReturnLabel{}, fmt.Errorf("providers: create label: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return trade.ReturnLabel{}, fmt.Errorf("providers: create label: status %d", resp.StatusCode)
	}

	var label struct {
		Carrier        string `json:"carrier"`
		TrackingNumber string `json:"tracking_number"`
		LabelURL       string `json:"label_url"`
		RateCents      int64  `json:"rate_cents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&label); err != nil {
		return trade.ReturnLabel{}, fmt.Errorf("providers: decode label response: %w", err)
	}
	return trade.ReturnLabel{
		Carrier:        label.Carrier,
		TrackingNumber: label.TrackingNumber,
		LabelURL:       label.LabelURL,
		CostCents:      label.RateCents,
	}, nil
}
