// Package client provides a websocket client for the relay server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/osail-liaso/relay/internal/metrics"
	"github.com/osail-liaso/relay/internal/models"
	"github.com/osail-liaso/relay/internal/protocol"
	"github.com/osail-liaso/relay/internal/server"
)

// Client talks to a relay server over its websocket and HTTP endpoints.
type Client struct {
	endpoint   string
	httpClient *http.Client
	timeout    time.Duration
}

// New creates a client for the websocket endpoint.
// If endpoint is empty, uses RELAY_SERVER_URL env var or defaults to ws://localhost:3000/ws.
// Timeout can be configured via RELAY_CLIENT_TIMEOUT env var (default 5m, the server's request limit).
func New(endpoint string) *Client {
	if endpoint == "" {
		endpoint = os.Getenv("RELAY_SERVER_URL")
	}
	if endpoint == "" {
		endpoint = "ws://localhost:3000/ws"
	}

	timeout := 5 * time.Minute
	if t := os.Getenv("RELAY_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		endpoint:   endpoint,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// StreamError is an ERROR event, or an error reply, sent by the server.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return "relay error: " + e.Message
}

// PromptOptions describes one prompt.
type PromptOptions struct {
	Session      string
	Token        string
	Provider     string
	Model        string
	Temperature  float64
	SystemPrompt string
	UserPrompt   string
	History      []models.ChatMessage
}

// promptFrame is the inbound prompt envelope.
type promptFrame struct {
	UUID           string               `json:"uuid"`
	Session        string               `json:"session"`
	Type           string               `json:"type"`
	Token          string               `json:"token,omitempty"`
	Provider       string               `json:"provider,omitempty"`
	Model          string               `json:"model,omitempty"`
	Temperature    float64              `json:"temperature,omitempty"`
	SystemPrompt   string               `json:"systemPrompt,omitempty"`
	UserPrompt     string               `json:"userPrompt,omitempty"`
	MessageHistory []models.ChatMessage `json:"messageHistory,omitempty"`
}

// frame is any server frame. Identification and error replies carry no type.
type frame struct {
	UUID             string  `json:"uuid,omitempty"`
	Session          string  `json:"session,omitempty"`
	Type             string  `json:"type,omitempty"`
	Message          *string `json:"message"`
	RealTimeProtocol string  `json:"realTimeProtocol,omitempty"`
}

// conn is one open relay connection.
type conn struct {
	ws *websocket.Conn
	id string

	mu     sync.Mutex
	closed bool
}

func (cn *conn) close() {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if !cn.closed {
		cn.closed = true
		cn.ws.Close()
	}
}

// dial connects and reads the identification frame.
func (c *Client) dial(ctx context.Context) (*conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	var ident protocol.Identify
	if err := ws.ReadJSON(&ident); err != nil {
		ws.Close()
		return nil, fmt.Errorf("read identification: %w", err)
	}
	if ident.UUID == "" {
		ws.Close()
		return nil, errors.New("server sent no connection id")
	}
	return &conn{ws: ws, id: ident.UUID}, nil
}

// watch closes the connection when ctx is cancelled. Call the returned func when done.
func watch(ctx context.Context, cn *conn) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cn.close()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func (cn *conn) read(ctx context.Context) (*frame, error) {
	var f frame
	if err := cn.ws.ReadJSON(&f); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read message: %w", err)
	}
	return &f, nil
}

// Ping sends a ping and returns the round-trip time.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cn, err := c.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer cn.close()
	defer watch(ctx, cn)()

	session := uuid.NewString()
	start := time.Now()
	if err := cn.ws.WriteJSON(promptFrame{UUID: cn.id, Session: session, Type: protocol.TypePing}); err != nil {
		return 0, fmt.Errorf("send ping: %w", err)
	}

	for {
		f, err := cn.read(ctx)
		if err != nil {
			return 0, err
		}
		if f.Type == protocol.TypePong && f.Session == session {
			return time.Since(start), nil
		}
		if f.Type == "" && f.Message != nil {
			return 0, &StreamError{Message: *f.Message}
		}
	}
}

// Ask sends a prompt and streams the answer. onToken is invoked for each
// message event; return an error from onToken to abort.
func (c *Client) Ask(ctx context.Context, opts PromptOptions, onToken func(token string) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer cn.close()
	defer watch(ctx, cn)()

	session := opts.Session
	if session == "" {
		session = uuid.NewString()
	}
	req := promptFrame{
		UUID:           cn.id,
		Session:        session,
		Type:           protocol.TypePrompt,
		Token:          opts.Token,
		Provider:       opts.Provider,
		Model:          opts.Model,
		Temperature:    opts.Temperature,
		SystemPrompt:   opts.SystemPrompt,
		UserPrompt:     opts.UserPrompt,
		MessageHistory: opts.History,
	}
	if err := cn.ws.WriteJSON(req); err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}

	for {
		f, err := cn.read(ctx)
		if err != nil {
			return err
		}

		switch f.Type {
		case protocol.TypeMessage:
			if f.Session != session || f.Message == nil {
				continue
			}
			if err := onToken(*f.Message); err != nil {
				return err
			}
		case protocol.TypeEOM:
			if f.Session == session {
				return nil
			}
		case protocol.TypeError:
			if f.Session == session {
				return &StreamError{Message: errorText(f.Message)}
			}
		case "":
			if f.Message != nil {
				return &StreamError{Message: *f.Message}
			}
		}
	}
}

// errorText unwraps {"message": "..."} payloads to their text.
func errorText(msg *string) string {
	if msg == nil {
		return "unknown error"
	}
	var reply protocol.ErrorReply
	if err := json.Unmarshal([]byte(*msg), &reply); err == nil && reply.Message != "" {
		return reply.Message
	}
	return *msg
}

// httpBase derives the server's HTTP base URL from the websocket endpoint.
func (c *Client) httpBase() (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws")
	u.RawQuery = ""
	return strings.TrimSuffix(u.String(), "/"), nil
}

func (c *Client) getJSON(ctx context.Context, path string, result any) error {
	base, err := c.httpBase()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server error: %s - %s", resp.Status, string(body))
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// Health returns the server's health report.
func (c *Client) Health(ctx context.Context) (*server.HealthResponse, error) {
	var result server.HealthResponse
	if err := c.getJSON(ctx, "/health", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Stats returns the server's in-memory relay statistics.
func (c *Client) Stats(ctx context.Context) (*metrics.Snapshot, error) {
	var result metrics.Snapshot
	if err := c.getJSON(ctx, "/stats", &result); err != nil {
		return nil, err
	}
	return &result, nil
}
