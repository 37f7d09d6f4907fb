package client

import (
	"buttonsync/internal/model"
	"buttonsync/internal/transport/ws"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	// ErrUnauthorized is returned when the initiator token is missing or rejected
	ErrUnauthorized = errors.New("not authorized for this session")
	// ErrTooManyRequests is returned when retries were exhausted on 429 responses
	ErrTooManyRequests = errors.New("rate limited")
)

// APIError is a non-success response the client could not map to a domain error
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// HTTPClient talks to the rendezvous service over HTTP
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
}

// NewHTTPClient creates a client for the server at baseURL (e.g. http://localhost:8080)
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		maxRetries: 3,
	}
}

// doRequest performs an HTTP request. Only GETs are retried on transport
// errors and 429; a POST may already have been applied, so resubmitting it is
// left to the caller.
func (c *HTTPClient) doRequest(ctx context.Context, method, path, token string, payload any) (int, []byte, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return 0, nil, fmt.Errorf("failed to encode request: %w", err)
		}
	}

	attempts := 1
	if method == http.MethodGet {
		attempts = c.maxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			log.Debug().Int("attempt", attempt).Str("method", method).Str("path", path).Msg("retrying request")
			select {
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return 0, nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return 0, nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = ErrTooManyRequests
			continue
		}

		return resp.StatusCode, respBody, nil
	}

	if attempts == 1 {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, lastErr)
	}
	return 0, nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// responseError maps an error response back to the domain error it represents
func responseError(status int, body []byte) error {
	var e struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	_ = json.Unmarshal(body, &e)

	switch status {
	case http.StatusNotFound:
		return model.ErrSessionNotFound
	case http.StatusConflict:
		return model.ErrSessionNotActive
	case http.StatusGone:
		return model.ErrSessionExpired
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	}
	if e.Error == "" {
		e.Error = strings.TrimSpace(string(body))
	}
	return &APIError{Status: status, Message: e.Error}
}

// CreateSession implements API
func (c *HTTPClient) CreateSession(ctx context.Context) (*model.CreateSessionResponse, error) {
	status, body, err := c.doRequest(ctx, http.MethodPost, "/v1/sessions", "", struct{}{})
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated {
		return nil, responseError(status, body)
	}

	var resp model.CreateSessionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse create response: %w", err)
	}
	return &resp, nil
}

// PressButton implements API
func (c *HTTPClient) PressButton(ctx context.Context, code string, role model.Role) (*model.PressResult, error) {
	status, body, err := c.doRequest(ctx, http.MethodPost, "/v1/sessions/"+code+"/press", "", model.PressRequest{Role: role})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, responseError(status, body)
	}

	var result model.PressResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse press response: %w", err)
	}
	return &result, nil
}

// GetSession implements API
func (c *HTTPClient) GetSession(ctx context.Context, code string) (*model.SessionView, error) {
	status, body, err := c.doRequest(ctx, http.MethodGet, "/v1/sessions/"+code, "", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, responseError(status, body)
	}

	var view *model.SessionView
	if err := json.Unmarshal(body, &view); err != nil {
		return nil, fmt.Errorf("failed to parse session: %w", err)
	}
	return view, nil
}

// ResetSession implements API
func (c *HTTPClient) ResetSession(ctx context.Context, code, token string) error {
	status, body, err := c.doRequest(ctx, http.MethodPost, "/v1/sessions/"+code+"/reset", token, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return responseError(status, body)
	}
	return nil
}

// Subscribe opens a WebSocket stream of session snapshots. The channel is
// closed when the connection ends or ctx is cancelled.
func (c *HTTPClient) Subscribe(ctx context.Context, code string) (<-chan *model.SessionView, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/v1/ws/sessions/" + code
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan *model.SessionView, 8)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var msg ws.Message
			if err := conn.ReadJSON(&msg); err != nil {
				if ctx.Err() == nil {
					log.Debug().Err(err).Str("session_id", code).Msg("subscription closed")
				}
				return
			}
			if msg.Type != ws.MsgSession {
				log.Debug().Str("type", string(msg.Type)).RawJSON("payload", msg.Payload).Msg("subscription message")
				continue
			}
			var view model.SessionView
			if err := json.Unmarshal(msg.Payload, &view); err != nil {
				log.Warn().Err(err).Msg("malformed session snapshot")
				continue
			}
			select {
			case out <- &view:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
