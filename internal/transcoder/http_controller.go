package transcoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPController submits jobs to a serverless transcode endpoint over REST.
type HTTPController struct {
	config Config
}

// NewHTTPController validates the configuration and returns a controller.
func NewHTTPController(cfg Config) (*HTTPController, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &HTTPController{config: cfg}, nil
}

type submitRequest struct {
	Input submitInput `json:"input"`
}

type submitInput struct {
	MediaID       string `json:"mediaId"`
	CreatorID     string `json:"creatorId"`
	Type          string `json:"type"`
	InputKey      string `json:"inputKey"`
	WebhookURL    string `json:"webhookUrl"`
	WebhookSecret string `json:"webhookSecret"`
}

type submitResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (c *HTTPController) SubmitJob(ctx context.Context, req JobRequest) (JobSubmission, error) {
	if req.JobID == "" || req.InputLocation == "" {
		return JobSubmission{}, fmt.Errorf("jobID and inputLocation are required")
	}

	httpClient := c.config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	webhookURL := req.WebhookURL
	if webhookURL == "" {
		webhookURL = c.config.WebhookURL
	}
	webhookSecret := req.WebhookSecret
	if webhookSecret == "" {
		webhookSecret = c.config.WebhookSecret
	}

	payload := submitRequest{Input: submitInput{
		MediaID:       req.JobID,
		CreatorID:     req.OwnerID,
		Type:          req.MediaKind,
		InputKey:      req.InputLocation,
		WebhookURL:    webhookURL,
		WebhookSecret: webhookSecret,
	}}

	var resp submitResponse
	url := fmt.Sprintf("%s/run", strings.TrimRight(c.config.BaseURL, "/"))
	if err := c.post(ctx, httpClient, url, payload, &resp); err != nil {
		return JobSubmission{}, fmt.Errorf("submit job %s: %w", req.JobID, err)
	}
	if resp.ID == "" {
		return JobSubmission{}, fmt.Errorf("submit job %s: provider returned no job id", req.JobID)
	}
	return JobSubmission{ExternalJobID: resp.ID, QueueStatus: resp.Status}, nil
}

func (c *HTTPController) CancelJob(ctx context.Context, externalJobID string) error {
	if externalJobID == "" {
		return fmt.Errorf("externalJobID is required")
	}
	httpClient := c.config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	url := fmt.Sprintf("%s/cancel/%s", strings.TrimRight(c.config.BaseURL, "/"), externalJobID)
	if err := c.post(ctx, httpClient, url, struct{}{}, nil); err != nil {
		return fmt.Errorf("cancel job %s: %w", externalJobID, err)
	}
	return nil
}

func (c *HTTPController) post(ctx context.Context, client *http.Client, url string, payload interface{}, dest interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if header := bearer(c.config.Token); header != "" {
		req.Header.Set("Authorization", header)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if dest == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

func bearer(token string) string {
	if token == "" {
		return ""
	}
	return "Bearer " + token
}

var _ Controller = (*HTTPController)(nil)
