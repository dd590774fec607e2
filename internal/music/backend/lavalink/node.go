// Package lavalink is a Lavalink v4 node client: REST calls for loading and
// player control, and a websocket for node and player notifications.
package lavalink

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/keshon/domme-player/internal/music/backend"
	"github.com/keshon/domme-player/pkg/retrylimit"
)

const clientName = "domme-player/1.0"

type Config struct {
	Name     string
	BaseURL  string // http://host:port
	Password string
	UserID   string

	// ResumeTimeout asks the node to keep players alive this long after the
	// websocket drops. Zero disables resuming.
	ResumeTimeout time.Duration
	ReconnectMin  time.Duration
	ReconnectMax  time.Duration

	HTTPClient *http.Client
	Limiter    *retrylimit.AdaptiveLimiter
	Retry      retrylimit.Config
	Logger     zerolog.Logger
}

type Node struct {
	cfg    Config
	client *http.Client
	log    zerolog.Logger

	mu        sync.Mutex
	sessionID string
	conn      *websocket.Conn
	closed    bool
	cancel    context.CancelFunc
}

var _ backend.Node = (*Node)(nil)

func New(cfg Config) *Node {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = time.Minute
	}
	if cfg.Limiter == nil {
		cfg.Limiter = retrylimit.NewAdaptiveLimiter(20, 2, 50, 1, 0.5)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	log := cfg.Logger.With().Str("component", "lavalink").Str("node", cfg.Name).Logger()
	cfg.Retry.Logger = &log

	return &Node{cfg: cfg, client: cfg.HTTPClient, log: log}
}

func (n *Node) Name() string { return n.cfg.Name }

// SessionID returns the websocket session, empty until the node is ready.
func (n *Node) SessionID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessionID
}

func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	if n.cancel != nil {
		n.cancel()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}

// =============================================================================
// REST
// =============================================================================

func (n *Node) LoadTracks(ctx context.Context, identifier string) (backend.LoadResult, error) {
	var resp loadResponse
	path := "/v4/loadtracks?identifier=" + url.QueryEscape(identifier)
	if err := n.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return backend.LoadResult{}, err
	}
	res, err := resp.decode()
	if err != nil {
		return backend.LoadResult{}, errors.Wrap(err, "decode load result")
	}
	return res, nil
}

func (n *Node) UpdatePlayer(ctx context.Context, guildID string, u backend.PlayerUpdate) (backend.PlayerInfo, error) {
	sid := n.SessionID()
	if sid == "" {
		return backend.PlayerInfo{}, errors.New("node has no session yet")
	}
	var resp playerResponse
	path := "/v4/sessions/" + sid + "/players/" + guildID + "?noReplace=false"
	if err := n.do(ctx, http.MethodPatch, path, newUpdateBody(u), &resp); err != nil {
		return backend.PlayerInfo{}, err
	}
	return resp.info(), nil
}

func (n *Node) DestroyPlayer(ctx context.Context, guildID string) error {
	sid := n.SessionID()
	if sid == "" {
		return nil
	}
	err := n.do(ctx, http.MethodDelete, "/v4/sessions/"+sid+"/players/"+guildID, nil, nil)
	var se *retrylimit.StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	return err
}

func (n *Node) configureResuming(ctx context.Context, sid string) error {
	body := sessionUpdateBody{Resuming: true, Timeout: int(n.cfg.ResumeTimeout.Seconds())}
	return n.do(ctx, http.MethodPatch, "/v4/sessions/"+sid, body, nil)
}

func (n *Node) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return retrylimit.Fatal(errors.Wrap(err, "encode request"))
		}
	}

	return retrylimit.Do(ctx, n.cfg.Limiter, n.cfg.Retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, n.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return retrylimit.Fatal(err)
		}
		req.Header.Set("Authorization", n.cfg.Password)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := n.client.Do(req)
		if err != nil {
			return errors.Wrapf(err, "%s %s", method, path)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.Wrap(err, "read response")
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			var apiErr struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(data, &apiErr)
			return retrylimit.NewStatusError(resp, apiErr.Message)
		}
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return retrylimit.Fatal(errors.Wrap(err, "decode response"))
		}
		return nil
	})
}

// =============================================================================
// Websocket
// =============================================================================

// Start keeps the websocket connected until ctx ends or Close is called,
// reconnecting with exponential backoff.
func (n *Node) Start(ctx context.Context, sink backend.Sink) error {
	ctx, cancel := context.WithCancel(ctx)
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		cancel()
		return nil
	}
	n.cancel = cancel
	n.mu.Unlock()
	defer cancel()

	delay := n.cfg.ReconnectMin
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			sink.HandleNodeEvent(backend.NodeEvent{Type: backend.NodeEventReconnecting, Node: n.cfg.Name, Attempt: attempt})
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			delay = min(delay*2, n.cfg.ReconnectMax)
		}

		conn, err := n.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			n.log.Warn().Err(err).Int("attempt", attempt).Msg("websocket dial failed")
			sink.HandleNodeEvent(backend.NodeEvent{Type: backend.NodeEventError, Node: n.cfg.Name, Err: err})
			continue
		}

		ready, code, reason := n.readLoop(ctx, conn, sink)
		if ready {
			delay = n.cfg.ReconnectMin
			sink.HandleNodeEvent(backend.NodeEvent{Type: backend.NodeEventClosed, Node: n.cfg.Name, Code: code, Reason: reason})
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (n *Node) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(n.cfg.BaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse node url")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/v4/websocket"

	h := http.Header{}
	h.Set("Authorization", n.cfg.Password)
	h.Set("User-Id", n.cfg.UserID)
	h.Set("Client-Name", clientName)
	if sid := n.SessionID(); sid != "" && n.cfg.ResumeTimeout > 0 {
		h.Set("Session-Id", sid)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), h)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrap(err, "dial websocket")
	}

	n.mu.Lock()
	n.conn = conn
	n.mu.Unlock()
	return conn, nil
}

// readLoop dispatches frames until the connection drops. It reports whether
// the node became ready on this connection, plus the close code and reason.
func (n *Node) readLoop(ctx context.Context, conn *websocket.Conn, sink backend.Sink) (ready bool, code int, reason string) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code = websocket.CloseAbnormalClosure
			reason = err.Error()
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			}
			return ready, code, reason
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			n.log.Warn().Err(err).Msg("undecodable frame")
			continue
		}

		switch msg.Op {
		case "ready":
			n.mu.Lock()
			n.sessionID = msg.SessionID
			n.mu.Unlock()
			ready = true
			if n.cfg.ResumeTimeout > 0 {
				if err := n.configureResuming(ctx, msg.SessionID); err != nil {
					n.log.Warn().Err(err).Msg("failed to enable resuming")
				}
			}
			n.log.Info().Str("session", msg.SessionID).Bool("resumed", msg.Resumed).Msg("node ready")
			sink.HandleNodeEvent(backend.NodeEvent{Type: backend.NodeEventReady, Node: n.cfg.Name, Resumed: msg.Resumed})

		case "playerUpdate":
			sink.HandlePlayerEvent(backend.PlayerEvent{
				Type:      backend.PlayerStateUpdate,
				Node:      n.cfg.Name,
				GuildID:   msg.GuildID,
				Position:  msg.State.Position,
				Time:      time.UnixMilli(msg.State.Time),
				Connected: msg.State.Connected,
			})

		case "stats":
			sink.HandleNodeEvent(backend.NodeEvent{Type: backend.NodeEventStats, Node: n.cfg.Name, Players: msg.Players})

		case "event":
			if ev, ok := msg.playerEvent(n.cfg.Name); ok {
				sink.HandlePlayerEvent(ev)
			} else {
				n.log.Debug().Str("type", msg.Type).Msg("unhandled event")
			}
		}
	}
}
