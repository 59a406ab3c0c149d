package transcoder

import (
	"fmt"
	"net/http"
	"strings"
)

// Config describes how to reach the serverless transcode endpoint.
type Config struct {
	// BaseURL is the provider endpoint root, e.g.
	// https://api.example.com/v2/<endpoint-id>.
	BaseURL string
	// Token authorises submissions via a bearer header.
	Token string
	// WebhookURL is where the provider delivers progress notifications.
	WebhookURL string
	// WebhookSecret signs notification payloads.
	WebhookSecret string
	// HTTPClient overrides the default client, primarily for tests.
	HTTPClient *http.Client
}

func (c Config) validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("transcoder base URL is required")
	}
	if strings.TrimSpace(c.WebhookURL) == "" {
		return fmt.Errorf("transcoder webhook URL is required")
	}
	if strings.TrimSpace(c.WebhookSecret) == "" {
		return fmt.Errorf("transcoder webhook secret is required")
	}
	return nil
}
