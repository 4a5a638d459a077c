// Package ws serves the terminal WebSocket endpoint. One connection can drive
// many PTY sessions; sessions outlive the connection that created them.
package ws

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agent-command/termd/internal/agent"
	"github.com/agent-command/termd/internal/auth"
	"github.com/agent-command/termd/internal/insight"
	"github.com/agent-command/termd/internal/metrics"
	"github.com/agent-command/termd/internal/terminal"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	// maxMessageSize caps one inbound frame. Larger frames close the connection.
	maxMessageSize = 1 << 20

	// stabilizeDelay holds back the created frame so the shell has a chance
	// to print its prompt first.
	stabilizeDelay = 100 * time.Millisecond

	sendBuffer = 256

	// AuthErrorHeader carries the token rejection reason on a 401.
	AuthErrorHeader = "X-Auth-Error"
)

// TokenValidator resolves an upgrade token to a user id.
type TokenValidator interface {
	Validate(token string) (string, error)
}

// Terminals is the session registry as seen by the gateway.
type Terminals interface {
	Spawn(terminal.SpawnOptions) (terminal.Info, error)
	Write(id string, data []byte) bool
	Resize(id string, cols, rows uint16) bool
	Kill(id string)
	Get(id string) (terminal.Info, bool)
	AllForProject(projectID string) []terminal.Info
	Metadata(id string) (terminal.Metadata, bool)
}

// Gateway authenticates upgrades and runs one message loop per connection.
type Gateway struct {
	tokens   TokenValidator
	terms    Terminals
	launcher *agent.Launcher
	insight  *insight.Client
	log      zerolog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
}

type Option func(*Gateway)

func WithLogger(log zerolog.Logger) Option {
	return func(g *Gateway) { g.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

func WithInsight(c *insight.Client) Option {
	return func(g *Gateway) { g.insight = c }
}

// WithAllowedOrigins restricts browser origins. An empty list allows any.
func WithAllowedOrigins(origins []string) Option {
	return func(g *Gateway) {
		if len(origins) == 0 {
			return
		}
		allowed := make(map[string]struct{}, len(origins))
		for _, o := range origins {
			allowed[o] = struct{}{}
		}
		g.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		}
	}
}

func NewGateway(tokens TokenValidator, terms Terminals, launcher *agent.Launcher, opts ...Option) *Gateway {
	g := &Gateway{
		tokens:   tokens,
		terms:    terms,
		launcher: launcher,
		insight:  insight.NewClient(""),
		log:      zerolog.Nop(),
		conns:    make(map[*conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrNoToken):
		return "missing"
	case errors.Is(err, auth.ErrExpired):
		return "expired"
	default:
		return "invalid"
	}
}

// ServeHTTP authenticates the request before completing the handshake, then
// serves the connection until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	userID, err := g.tokens.Validate(token)
	if err != nil {
		reason := rejectionReason(err)
		g.metrics.AuthRejected(reason)
		g.log.Warn().Str("reason", reason).Str("remote", r.RemoteAddr).Msg("Terminal upgrade rejected")
		w.Header().Set(AuthErrorHeader, err.Error())
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}
	g.mu.Unlock()

	wsConn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn().Err(err).Str("user_id", userID).Msg("WebSocket upgrade failed")
		return
	}

	c := newConn(g, wsConn, userID, token)
	if !g.track(c) {
		_ = wsConn.Close()
		return
	}
	defer g.untrack(c)

	c.log.Info().Msg("Terminal connection opened")
	c.serve()
}

func (g *Gateway) track(c *conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.conns[c] = struct{}{}
	return true
}

func (g *Gateway) untrack(c *conn) {
	g.mu.Lock()
	delete(g.conns, c)
	g.mu.Unlock()
}

// Connections returns the number of open connections.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Close ends every open connection and refuses new ones. Sessions are left
// running.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	conns := make([]*conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.teardown()
	}
}

func newConnID() string {
	return uuid.NewString()
}
