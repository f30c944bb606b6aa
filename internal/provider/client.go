package provider

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

	"github.com/voxline-ai/callplane/internal/phone"
	"github.com/voxline-ai/callplane/pkg/logging"
)

var tracer = otel.Tracer("callplane.internal.provider")

const defaultCallTimeout = 30 * time.Second

// Error kinds. Timeout matters to callers: the provider may still place the
// call, and its eventual webhook reconciles the record.
var (
	ErrTimeout = errors.New("provider: request timed out")
	ErrAPI     = errors.New("provider: api error")
)

// Client invokes the Voice Provider's call placement API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// ClientConfig configures the outbound voice client.
type ClientConfig struct {
	// APIKey is the provider API key (Bearer token).
	APIKey string
	// BaseURL is the provider API root.
	BaseURL string
	// Timeout bounds each placement request.
	Timeout time.Duration
	// HTTPClient overrides the default HTTP client.
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// NewClient creates a client for placing outbound AI voice calls.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("provider: API key required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("provider: base URL required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger.Named("provider"),
	}, nil
}

// CallRequest contains the parameters for placing an outbound call.
type CallRequest struct {
	// AgentID is the provider-side agent identifier.
	AgentID string `json:"agent_id"`
	// RecipientPhone is the callee in E.164.
	RecipientPhone string `json:"recipient_phone_number"`
	// UserData is an opaque map echoed back on webhooks. Must carry the
	// internal call id for correlation.
	UserData map[string]string `json:"user_data,omitempty"`
}

// CallResponse is the provider's acknowledgement.
type CallResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

// PlaceCall asks the provider to dial. On ErrTimeout the caller must assume
// the provider may still place the call.
func (c *Client) PlaceCall(ctx context.Context, req CallRequest) (*CallResponse, error) {
	if req.AgentID == "" {
		return nil, fmt.Errorf("provider: agent id required")
	}
	if req.RecipientPhone == "" {
		return nil, fmt.Errorf("provider: recipient phone required")
	}

	ctx, span := tracer.Start(ctx, "provider.place_call")
	defer span.End()
	span.SetAttributes(attribute.String("provider.agent_id", req.AgentID))

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("provider: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/call", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Info("placing outbound call",
		"to", phone.Mask(req.RecipientPhone),
		"agent_id", req.AgentID,
	)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isClientTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("provider: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("provider: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("provider API error",
			"status", resp.StatusCode,
			"body", string(respBody),
		)
		return nil, fmt.Errorf("%w: status %d: %s", ErrAPI, resp.StatusCode, string(respBody))
	}

	var ack CallResponse
	if err := json.Unmarshal(respBody, &ack); err != nil {
		return nil, fmt.Errorf("provider: decode response: %w", err)
	}
	if ack.ExecutionID == "" {
		return nil, fmt.Errorf("%w: missing execution id in response", ErrAPI)
	}

	c.logger.Info("outbound call acknowledged",
		"execution_id", ack.ExecutionID,
		"status", ack.Status,
	)
	return &ack, nil
}

func isClientTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
