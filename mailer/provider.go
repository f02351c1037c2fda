package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrPermanentReject marks a provider response that retrying cannot fix
// (invalid or suppressed recipient). It short-circuits the retry budget.
var ErrPermanentReject = errors.New("recipient permanently rejected")

type Message struct {
	To         string                 `json:"to"`
	Subject    string                 `json:"subject"`
	Body       string                 `json:"body"`
	TemplateId string                 `json:"template_id,omitempty"`
	Variables  map[string]interface{} `json:"variables,omitempty"`
}

// Provider is the outbound delivery client. One instance per worker process,
// passed explicitly into handlers, never pulled from ambient state.
type Provider interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// HTTPProvider posts messages to a JSON delivery API.
type HTTPProvider struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func NewProviderFromEnv(logger *logrus.Logger) Provider {
	endpoint := strings.TrimSpace(os.Getenv("EMAIL_PROVIDER_URL"))
	if endpoint == "" {
		return &LogProvider{Logger: logger}
	}
	return &HTTPProvider{
		Endpoint: endpoint,
		APIKey:   os.Getenv("EMAIL_PROVIDER_API_KEY"),
		Client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type providerResponse struct {
	Id      string `json:"id"`
	Message string `json:"message"`
}

func (p *HTTPProvider) Send(ctx context.Context, msg Message) (string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var pr providerResponse
		if err := json.Unmarshal(respBody, &pr); err == nil && pr.Id != "" {
			return pr.Id, nil
		}
		return "", nil
	case resp.StatusCode == http.StatusBadRequest ||
		resp.StatusCode == http.StatusNotFound ||
		resp.StatusCode == http.StatusUnprocessableEntity:
		return "", fmt.Errorf("%w: provider status %d: %s", ErrPermanentReject, resp.StatusCode, string(respBody))
	default:
		return "", fmt.Errorf("provider status %d: %s", resp.StatusCode, string(respBody))
	}
}

// LogProvider is the dev/no-provider fallback: logs the send and succeeds.
type LogProvider struct {
	Logger *logrus.Logger
}

func (p *LogProvider) Send(ctx context.Context, msg Message) (string, error) {
	if p.Logger != nil {
		p.Logger.WithFields(logrus.Fields{
			"module":  "mailer",
			"to":      msg.To,
			"subject": msg.Subject,
		}).Info("log provider: email not actually sent")
	}
	return "log-" + uuid.NewString(), nil
}
