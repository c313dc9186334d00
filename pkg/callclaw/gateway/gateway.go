// Package gateway provides the HTTP entrypoint for CallClaw: the duplex
// voice websocket and a health endpoint.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/jholhewres/callclaw/pkg/callclaw/copilot"
	"github.com/jholhewres/callclaw/pkg/callclaw/voice"
)

// Gateway is the HTTP server hosting the voice websocket.
type Gateway struct {
	appCfg    *copilot.Config
	config    copilot.GatewayConfig
	agent     *copilot.Agent
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time

	callsMu     sync.Mutex
	activeCalls int
}

// New creates a new Gateway.
func New(appCfg *copilot.Config, agent *copilot.Agent, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := appCfg.Gateway
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8590"
	}
	return &Gateway{
		appCfg: appCfg,
		config: cfg,
		agent:  agent,
		logger: logger.With("component", "gateway"),
	}
}

// Start starts the HTTP server.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", g.handleHealthz)
	mux.HandleFunc("/voice", g.handleVoice)

	g.server = &http.Server{
		Addr:    g.config.Addr,
		Handler: g.securityHeadersMiddleware(mux),
	}

	// Warn when the gateway is bound to a non-loopback address: the voice
	// endpoint has no auth of its own.
	host, _, _ := net.SplitHostPort(g.config.Addr)
	if host == "" {
		host = "0.0.0.0"
	}
	ip := net.ParseIP(host)
	isLoopback := ip != nil && ip.IsLoopback()
	if !isLoopback && host != "localhost" {
		g.logger.Warn("SECURITY: gateway is bound to a non-loopback address; anyone on the network can open voice calls",
			"addr", g.config.Addr)
	}

	go func() {
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "addr", g.config.Addr)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}

// ActiveCalls returns the number of voice sockets currently open.
func (g *Gateway) ActiveCalls() int {
	g.callsMu.Lock()
	defer g.callsMu.Unlock()
	return g.activeCalls
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(g.startedAt).Seconds()),
		"active_calls":   g.ActiveCalls(),
	})
}

// handleVoice upgrades the connection and runs one voice machine per socket.
// Inbound frames are JSON call events; outbound frames are speak and
// end-of-turn events.
func (g *Gateway) handleVoice(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("voice accept failed", "error", err)
		return
	}

	g.trackCall(1)
	defer g.trackCall(-1)
	g.logger.Info("voice socket connected", "remote", r.RemoteAddr)

	ctx := r.Context()
	events := make(chan voice.Event)

	// Read pump. Closing the events channel is how the machine learns the
	// socket is gone.
	go func() {
		defer close(events)
		for {
			var evt voice.Event
			if err := wsjson.Read(ctx, conn, &evt); err != nil {
				return
			}
			select {
			case events <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()

	var writeMu sync.Mutex
	emit := func(out voice.OutEvent) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return wsjson.Write(ctx, conn, out)
	}

	machine := voice.NewMachine(g.appCfg, g.agent, emit, g.logger)
	if err := machine.Run(ctx, events); err != nil {
		g.logger.Warn("voice call ended with error", "error", err)
		conn.Close(websocket.StatusInternalError, "call failed")
		return
	}
	g.logger.Info("voice socket closed", "remote", r.RemoteAddr)
	conn.Close(websocket.StatusNormalClosure, "call ended")
}

func (g *Gateway) trackCall(delta int) {
	g.callsMu.Lock()
	g.activeCalls += delta
	g.callsMu.Unlock()
}

// securityHeadersMiddleware adds standard security headers to all responses.
func (g *Gateway) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		g.logger.Error("write response failed", "error", err)
	}
}
