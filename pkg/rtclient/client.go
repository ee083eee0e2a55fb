// Package rtclient is a WebSocket client for realtime speech-to-speech
// backends: the OpenAI Realtime API and its Azure OpenAI deployment variant.
//
// The client exchanges rtproto messages over a single socket. Outgoing
// operations map one-to-one onto client messages; the incoming flat message
// stream is demultiplexed into nested typed event streams (responses, their
// items and content parts, detected user utterances) consumed via Events.
package rtclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/parlance-dev/parlance/pkg/rtproto"
)

const (
	defaultOpenAIURL = "wss://api.openai.com/v1/realtime"
	defaultModel     = "gpt-4o-realtime-preview"

	azureAPIVersion = "2024-10-01-preview"
)

// ── Options ────────────────────────────────────────────────────────────────────

type dialConfig struct {
	azure      bool
	apiKey     string
	endpoint   string
	model      string
	deployment string
	logger     *slog.Logger
	httpClient *http.Client
}

// Option is a functional option for Dial.
type Option func(*dialConfig)

// WithOpenAI targets the OpenAI Realtime endpoint with the given API key.
func WithOpenAI(apiKey string) Option {
	return func(c *dialConfig) {
		c.azure = false
		c.apiKey = apiKey
	}
}

// WithAzure targets an Azure OpenAI resource. endpoint is the resource URL
// (https or wss); deployment names the realtime model deployment.
func WithAzure(endpoint, deployment, apiKey string) Option {
	return func(c *dialConfig) {
		c.azure = true
		c.endpoint = endpoint
		c.deployment = deployment
		c.apiKey = apiKey
	}
}

// WithModel sets the OpenAI model. Ignored for Azure, where the deployment
// decides the model.
func WithModel(model string) Option {
	return func(c *dialConfig) { c.model = model }
}

// WithEndpoint overrides the endpoint URL. Primarily used in tests to point at
// a local mock server.
func WithEndpoint(endpoint string) Option {
	return func(c *dialConfig) { c.endpoint = endpoint }
}

// WithLogger sets the logger for dropped-message diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(c *dialConfig) { c.logger = log }
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *dialConfig) { c.httpClient = hc }
}

// sessionURL builds the endpoint-specific WebSocket URL.
func (c *dialConfig) sessionURL() (string, error) {
	if c.endpoint == "" {
		return "", fmt.Errorf("rtclient: endpoint required")
	}
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("rtclient: parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	q := u.Query()
	if c.azure {
		if u.Path == "" || u.Path == "/" {
			u.Path = "/openai/realtime"
		}
		q.Set("api-version", azureAPIVersion)
		q.Set("deployment", c.deployment)
	} else {
		q.Set("model", c.model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *dialConfig) header() http.Header {
	h := http.Header{}
	if c.azure {
		h.Set("api-key", c.apiKey)
	} else {
		h.Set("Authorization", "Bearer "+c.apiKey)
		h.Set("OpenAI-Beta", "realtime=v1")
	}
	return h
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client is a live connection to a realtime backend. All operation methods are
// safe for concurrent use; Events must be drained by exactly one consumer.
type Client struct {
	conn  *websocket.Conn
	azure bool
	log   *slog.Logger
	demux *Demux

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	errMu     sync.Mutex
	err       error
	closeOnce sync.Once
}

// Dial connects to a realtime backend and starts the receive loop. One of
// [WithOpenAI] or [WithAzure] selects the backend flavor.
func Dial(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := &dialConfig{
		endpoint: defaultOpenAIURL,
		model:    defaultModel,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.azure && cfg.endpoint == defaultOpenAIURL {
		return nil, fmt.Errorf("rtclient: azure endpoint required")
	}

	wsURL, err := cfg.sessionURL()
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: cfg.header(),
		HTTPClient: cfg.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("rtclient: dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:   conn,
		azure:  cfg.azure,
		log:    cfg.logger,
		demux:  NewDemux(cfg.logger),
		ctx:    clientCtx,
		cancel: cancel,
	}
	go c.receiveLoop()
	return c, nil
}

// Events returns the demultiplexed backend event stream. The channel closes
// when the connection ends; check Err afterwards.
func (c *Client) Events() <-chan Event { return c.demux.Events() }

// Err returns the transport or protocol error that ended the connection, nil
// after a clean close.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close tears down the connection and ends the event stream. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close(websocket.StatusNormalClosure, "client closed")
	})
	return nil
}

// receiveLoop owns the socket read side and the demux lifetime.
func (c *Client) receiveLoop() {
	defer c.demux.Close()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.setErr(fmt.Errorf("rtclient: read: %w", err))
			}
			return
		}

		msg, err := rtproto.DecodeServerMessage(data)
		if err != nil {
			c.setErr(fmt.Errorf("rtclient: decode server message: %w", err))
			return
		}
		if err := c.demux.Dispatch(c.ctx, msg); err != nil {
			if c.ctx.Err() == nil {
				c.setErr(err)
			}
			return
		}
	}
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// send encodes and writes one client message. The write mutex keeps frames
// whole under concurrent callers.
func (c *Client) send(ctx context.Context, msg rtproto.ClientMessage) error {
	msg.SetAzure(c.azure)
	data, err := rtproto.EncodeClientMessage(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("rtclient: write %s: %w", msg.MessageType(), err)
	}
	return nil
}

// ── Operations ─────────────────────────────────────────────────────────────────

// Configure applies session parameters via session.update.
func (c *Client) Configure(ctx context.Context, params rtproto.SessionUpdateParams) error {
	return c.send(ctx, rtproto.NewSessionUpdate(params))
}

// SendAudio appends a raw PCM16 chunk to the input audio buffer. The chunk is
// base64-encoded on the wire.
func (c *Client) SendAudio(ctx context.Context, pcm []byte) error {
	encoded := base64.StdEncoding.EncodeToString(pcm)
	return c.send(ctx, rtproto.NewInputAudioBufferAppend(encoded))
}

// CommitAudio turns the pending input audio buffer into a user item.
func (c *Client) CommitAudio(ctx context.Context) error {
	return c.send(ctx, rtproto.NewInputAudioBufferCommit())
}

// ClearAudio discards the pending input audio buffer.
func (c *Client) ClearAudio(ctx context.Context) error {
	return c.send(ctx, rtproto.NewInputAudioBufferClear())
}

// CreateItem inserts a conversation item.
func (c *Client) CreateItem(ctx context.Context, item rtproto.Item) error {
	return c.send(ctx, rtproto.NewItemCreate(item))
}

// TruncateItem drops already-generated audio of an assistant item past the
// given point.
func (c *Client) TruncateItem(ctx context.Context, itemID string, contentIndex, audioEndMs int) error {
	return c.send(ctx, rtproto.NewItemTruncate(itemID, contentIndex, audioEndMs))
}

// DeleteItem removes a conversation item.
func (c *Client) DeleteItem(ctx context.Context, itemID string) error {
	return c.send(ctx, rtproto.NewItemDelete(itemID))
}

// GenerateResponse asks the backend for a model turn. A nil params uses the
// session defaults.
func (c *Client) GenerateResponse(ctx context.Context, params *rtproto.ResponseCreateParams) error {
	return c.send(ctx, rtproto.NewResponseCreate(params))
}

// CancelResponse aborts the in-progress model turn.
func (c *Client) CancelResponse(ctx context.Context) error {
	return c.send(ctx, rtproto.NewResponseCancel())
}
