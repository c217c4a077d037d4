// Package authority contains the tax-authority transports: the real HTTP
// client and an in-memory fake for local runs and tests.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	compliancedomain "github.com/gestionly/veriledger/internal/compliance/domain"
	"go.uber.org/zap"
)

// HTTPClient submits records to the authority's REST endpoint. The
// Idempotency-Key header carries the submission id so the authority
// deduplicates retries on its side too.
type HTTPClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
	log      *zap.Logger
}

func NewHTTPClient(endpoint, apiKey string, log *zap.Logger) *HTTPClient {
	return &HTTPClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      log.Named("authority.http"),
	}
}

type wireResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (c *HTTPClient) Submit(ctx context.Context, sub compliancedomain.Submission) (compliancedomain.Outcome, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return compliancedomain.Outcome{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return compliancedomain.Outcome{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", sub.SubmissionID)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return compliancedomain.Outcome{}, fmt.Errorf("%w: %v", compliancedomain.ErrAuthorityUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return compliancedomain.Outcome{}, fmt.Errorf("%w: status %d", compliancedomain.ErrAuthorityUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return compliancedomain.Outcome{}, fmt.Errorf("authority refused submission: status %d", resp.StatusCode)
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return compliancedomain.Outcome{}, fmt.Errorf("%w: %v", compliancedomain.ErrAuthorityUnavailable, err)
	}

	switch wire.Status {
	case "accepted":
		return compliancedomain.Outcome{Kind: compliancedomain.OutcomeAccepted}, nil
	case "rejected":
		return compliancedomain.Outcome{Kind: compliancedomain.OutcomeRejected, Reason: wire.Reason}, nil
	case "pending":
		return compliancedomain.Outcome{Kind: compliancedomain.OutcomePending}, nil
	default:
		c.log.Warn("unknown authority status", zap.String("status", wire.Status))
		return compliancedomain.Outcome{}, fmt.Errorf("%w: unknown status %q", compliancedomain.ErrAuthorityUnavailable, wire.Status)
	}
}
