package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xaenox/supportchat/internal/models"
	"go.uber.org/zap"
)

// HTTPClient is the REST side of the support backend.
type HTTPClient struct {
	baseURL string
	orgID   string
	channel string
	http    *http.Client
	logger  *zap.Logger
}

type HTTPConfig struct {
	BaseURL string
	OrgID   string
	Channel string
	Timeout time.Duration
}

func NewHTTPClient(cfg HTTPConfig, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Channel == "" {
		cfg.Channel = "web"
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		orgID:   cfg.OrgID,
		channel: cfg.Channel,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

func (c *HTTPClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if req.OrgID == "" {
		req.OrgID = c.orgID
	}
	if req.Channel == "" {
		req.Channel = c.channel
	}

	var resp ChatResponse
	if err := c.do(ctx, http.MethodPost, "/chat", req, &resp); err != nil {
		return nil, err
	}
	if resp.SessionID == "" {
		resp.SessionID = req.SessionID
	}
	c.logger.Debug("Backend replied",
		zap.String("session_id", resp.SessionID),
		zap.String("message_id", resp.MessageID))
	return &resp, nil
}

func (c *HTTPClient) EndSession(ctx context.Context, sessionID, userID string) error {
	body := map[string]string{"session_id": sessionID, "user_id": userID}
	return c.do(ctx, http.MethodPost, "/end_session", body, nil)
}

func (c *HTTPClient) FetchHistory(ctx context.Context, userID string) (map[string][]models.RawRecord, error) {
	var resp struct {
		HistoricalChats map[string][]models.RawRecord `json:"historical_chats"`
	}
	path := "/user/sessions?user_id=" + url.QueryEscape(userID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.HistoricalChats == nil {
		resp.HistoricalChats = map[string][]models.RawRecord{}
	}
	return resp.HistoricalChats, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("error encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("error building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("error calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return &StatusError{Code: resp.StatusCode, Message: apiErr.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding %s response: %w", path, err)
	}
	return nil
}

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Code, e.Message)
}
