// Package whatsapp sends messages through the WhatsApp Cloud API.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/visaflow-ai/visaflow/pkg/logging"
)

var sendTracer = otel.Tracer("visaflow.internal.channels.whatsapp")

// APIError is a non-2xx response from the Graph API.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whatsapp: graph api error (status %d, code %d): %s", e.StatusCode, e.Code, e.Message)
}

// Transient reports whether the failure is worth retrying. Rate limits and
// server-side errors are transient; auth and validation errors are not.
func (e *APIError) Transient() bool {
	if e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return e.StatusCode >= 500
}

// IsPermanent reports whether err is a Graph API error that retrying cannot
// fix.
func IsPermanent(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !apiErr.Transient()
	}
	return false
}

// Client posts outbound messages to the Cloud API for one business phone
// number.
type Client struct {
	accessToken   string
	phoneNumberID string
	baseURL       string
	httpClient    *http.Client
	logger        *logging.Logger
}

func NewClient(accessToken, phoneNumberID, baseURL string, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	if baseURL == "" {
		baseURL = "https://graph.facebook.com/v23.0"
	}
	return &Client{
		accessToken:   accessToken,
		phoneNumberID: phoneNumberID,
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// SendText delivers a text message to the recipient and returns the provider
// message id the API assigned.
func (c *Client) SendText(ctx context.Context, to, text string) (string, error) {
	if c.accessToken == "" {
		return "", errors.New("whatsapp: access token missing")
	}
	if to == "" {
		return "", errors.New("whatsapp: recipient required")
	}
	if strings.TrimSpace(text) == "" {
		return "", errors.New("whatsapp: text required")
	}

	ctx, span := sendTracer.Start(ctx, "whatsapp.send_text")
	defer span.End()
	span.SetAttributes(attribute.String("visaflow.to", to))

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "text",
		"text": map[string]any{
			"preview_url": false,
			"body":        text,
		},
	}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("whatsapp: marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("whatsapp: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whatsapp: send request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var parsed struct {
			Error struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(body, &parsed); err == nil {
			apiErr.Code = parsed.Error.Code
			apiErr.Message = parsed.Error.Message
		}
		c.logger.Warn("whatsapp send failed",
			"to", to,
			"status", resp.StatusCode,
			"code", apiErr.Code,
		)
		return "", apiErr
	}

	var parsed struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("whatsapp: decode response: %w", err)
	}
	var providerMessageID string
	if len(parsed.Messages) > 0 {
		providerMessageID = parsed.Messages[0].ID
	}

	c.logger.Info("whatsapp message sent", "to", to, "provider_message_id", providerMessageID)
	return providerMessageID, nil
}
