// Package providers holds the concrete HTTP clients behind the capability
// interfaces the services consume. Each client speaks one external API and
// translates its wire shapes into the domain types.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"escrowflow/signature"
)

// ESignClient drives the e-signature provider's submission API.
type ESignClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewESignClient(baseURL, apiKey string) *ESignClient {
	return &ESignClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type esignSubmitterPayload struct {
	Role  string `json:"role"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type esignSubmissionPayload struct {
	TemplateID string                  `json:"template_id"`
	Order      string                  `json:"order"`
	Submitters []esignSubmitterPayload `json:"submitters"`
	Fields     map[string]string       `json:"fields,omitempty"`
}

type esignSubmitterResponse struct {
	ID           json.Number `json:"id"`
	SubmissionID json.Number `json:"submission_id"`
	Email        string      `json:"email"`
	Role         string      `json:"role"`
}

// CreateSubmission opens a submission with the signers in provider order and
// returns one submitter handle per signer.
func (c *ESignClient) CreateSubmission(ctx context.Context, req signature.SubmissionRequest) ([]signature.Submitter, error) {
	payload := esignSubmissionPayload{
		TemplateID: req.TemplateID,
		Order:      "preserved",
		Fields:     req.Fields,
	}
	for _, s := range req.Signers {
		payload.Submitters = append(payload.Submitters, esignSubmitterPayload{
			Role:  string(s.Role),
			Email: s.Email,
			Name:  s.Name,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("providers: marshal submission: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/submissions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("providers: build submission request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Auth-Token", c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("providers: create submission: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("providers: create submission: status %d", resp.StatusCode)
	}

	var submitters []esignSubmitterResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitters); err != nil {
		return nil, fmt.Errorf("providers: decode submission response: %w", err)
	}

	out := make([]signature.Submitter, 0, len(submitters))
	for _, s := range submitters {
		out = append(out, signature.Submitter{
			SubmissionID: s.SubmissionID.String(),
			SubmitterID:  s.ID.String(),
			Role:         signature.SignerRole(s.Role),
			Email:        s.Email,
		})
	}
	return out, nil
}

// DownloadCompletedDocument fetches the final signed PDF.
func (c *ESignClient) DownloadCompletedDocument(ctx context.Context, submissionID string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/submissions/%s/download", c.baseURL, submissionID), nil)
	if err != nil {
		return nil, fmt.Errorf("providers: build download request: %w", err)
	}
	httpReq.Header.Set("X-Auth-Token", c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("providers: download document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("providers: download document: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Cancel archives the submission so signers can no longer act on it.
func (c *ESignClient) Cancel(ctx context.Context, submissionID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("%s/submissions/%s", c.baseURL, submissionID), nil)
	if err != nil {
		return fmt.Errorf("providers: build cancel request: %w", err)
	}
	httpReq.Header.Set("X-Auth-Token", c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("providers: cancel submission: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		// already gone on the provider side
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("providers: cancel submission: status %d", resp.StatusCode)
	}
	return nil
}
