package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/jholhewres/callclaw/pkg/callclaw/copilot"
	"github.com/jholhewres/callclaw/pkg/callclaw/voice"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(new(strings.Builder), &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedBackend returns canned responses in order.
type scriptedBackend struct {
	responses []*copilot.ChatResponse
	calls     int
}

func (b *scriptedBackend) CreateMessage(ctx context.Context, req *copilot.ChatRequest) (*copilot.ChatResponse, error) {
	if b.calls >= len(b.responses) {
		return &copilot.ChatResponse{
			Content:    []copilot.ContentBlock{copilot.TextBlock("Okay.")},
			StopReason: "end_turn",
		}, nil
	}
	resp := b.responses[b.calls]
	b.calls++
	return resp, nil
}

func textResp(text string) *copilot.ChatResponse {
	return &copilot.ChatResponse{
		Content:    []copilot.ContentBlock{copilot.TextBlock(text)},
		StopReason: "end_turn",
	}
}

func newTestGateway(t *testing.T, backend copilot.Backend) *Gateway {
	t.Helper()
	logger := testLogger()
	cfg := copilot.DefaultConfig()
	executor := copilot.NewToolExecutor(logger)
	approvals := copilot.NewApprovalManager(time.Minute, logger)
	agent := copilot.NewAgent(backend, executor, approvals, logger)
	return New(cfg, agent, logger)
}

func TestHealthz(t *testing.T) {
	g := newTestGateway(t, &scriptedBackend{})
	g.startedAt = time.Now()

	rec := httptest.NewRecorder()
	g.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
	if _, ok := body["active_calls"]; !ok {
		t.Error("active_calls field missing")
	}
}

func TestSecurityHeaders(t *testing.T) {
	g := newTestGateway(t, &scriptedBackend{})
	handler := g.securityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q", got)
	}
}

func TestVoiceSocketRoundTrip(t *testing.T) {
	backend := &scriptedBackend{responses: []*copilot.ChatResponse{
		textResp("Hi, you reached CallClaw."),
		textResp("It is noon."),
	}}
	g := newTestGateway(t, backend)

	srv := httptest.NewServer(http.HandlerFunc(g.handleVoice))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	send := func(evt voice.Event) {
		t.Helper()
		if err := wsjson.Write(ctx, conn, evt); err != nil {
			t.Fatalf("write %s: %v", evt.Type, err)
		}
	}
	readTurn := func() []string {
		t.Helper()
		var texts []string
		for {
			var out voice.OutEvent
			if err := wsjson.Read(ctx, conn, &out); err != nil {
				t.Fatalf("read: %v", err)
			}
			if out.Type == voice.OutEndOfTurn {
				return texts
			}
			texts = append(texts, out.Text)
		}
	}

	send(voice.Event{Type: voice.EventSetup, CallID: "call-1", Caller: "+15550001111"})

	greeting := readTurn()
	if len(greeting) == 0 {
		t.Fatal("no greeting spoken")
	}
	if strings.Join(greeting, " ") != "Hi, you reached CallClaw." {
		t.Errorf("greeting = %q", strings.Join(greeting, " "))
	}

	send(voice.Event{Type: voice.EventPrompt, Text: "what time is it"})
	reply := readTurn()
	if strings.Join(reply, " ") != "It is noon." {
		t.Errorf("reply = %q", strings.Join(reply, " "))
	}

	send(voice.Event{Type: voice.EventDisconnect})

	// The handler closes the socket after the machine ends. The next read
	// fails with a close status.
	var out voice.OutEvent
	if err := wsjson.Read(ctx, conn, &out); err == nil {
		t.Errorf("expected close after disconnect, got event %+v", out)
	}
}
