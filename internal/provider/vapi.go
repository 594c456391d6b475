package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voxflow/backend/internal/config"
	"github.com/voxflow/backend/internal/core"
)

// VapiClient dispatches calls through the Vapi REST API.
type VapiClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewVapiClient(cfg config.ProvidersConfig) *VapiClient {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &VapiClient{
		baseURL: cfg.VapiBaseURL,
		apiKey:  cfg.VapiAPIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *VapiClient) Name() string { return "vapi" }

// vapiCallRequest mirrors Vapi's POST /call body. Only the fields we use.
type vapiCallRequest struct {
	AssistantID string         `json:"assistantId,omitempty"`
	Customer    vapiCustomer   `json:"customer"`
	VoiceID     string         `json:"voiceId,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type vapiCustomer struct {
	Number string `json:"number"`
}

type vapiCallResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Dispatch places the call. The caller's context carries the dial deadline;
// the embedded client timeout is a backstop for callers that forget one.
func (c *VapiClient) Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchResult, error) {
	// Vapi echoes metadata back on every webhook; carrying our own ids there
	// is how callbacks find their call log again.
	md := make(map[string]any, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		md[k] = v
	}
	md["call_log_id"] = req.IdempotencyKey
	md["tenant_id"] = req.TenantID

	body := vapiCallRequest{
		Customer: vapiCustomer{Number: req.Phone.E164()},
		VoiceID:  req.VoiceID,
		Metadata: md,
	}
	if req.AgentID != "" {
		body.AssistantID = req.AgentID
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal vapi request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/call", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build vapi request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("X-Idempotency-Key", req.IdempotencyKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, core.NewError(core.ErrProviderFailed, "vapi dispatch failed").WithCause(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, core.NewErrorf(core.ErrProviderFailed, "vapi returned %d", resp.StatusCode).
			WithDetails(map[string]any{"body": string(raw)})
	}

	var parsed vapiCallResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, core.NewError(core.ErrProviderFailed, "vapi returned unparseable body").WithCause(err)
	}
	if parsed.ID == "" {
		return nil, core.NewError(core.ErrProviderFailed, "vapi response carried no call id")
	}

	var rawMap map[string]any
	_ = json.Unmarshal(raw, &rawMap)
	return &DispatchResult{ProviderCallID: parsed.ID, Raw: rawMap}, nil
}
