package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexcompanion/internal/bus"
	"github.com/normanking/cortexcompanion/internal/capture"
	"github.com/normanking/cortexcompanion/internal/dialogue"
	"github.com/normanking/cortexcompanion/internal/logging"
	"github.com/normanking/cortexcompanion/internal/metrics"
	"github.com/normanking/cortexcompanion/internal/speech"
	"github.com/normanking/cortexcompanion/internal/testutil"
	"github.com/normanking/cortexcompanion/internal/tts"
	"github.com/normanking/cortexcompanion/internal/turn"
)

type fakeCompanion struct {
	mu    sync.Mutex
	calls []string
	err   error
	state turn.State
}

func (f *fakeCompanion) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeCompanion) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeCompanion) Snapshot() turn.State { return f.state }
func (f *fakeCompanion) Send(_ context.Context, text string) error {
	return f.record("send:" + text)
}
func (f *fakeCompanion) Listen(context.Context) error        { return f.record("listen") }
func (f *fakeCompanion) StopListening(context.Context) error { return f.record("stop-listening") }
func (f *fakeCompanion) StopSpeaking(context.Context) error  { return f.record("stop-speaking") }
func (f *fakeCompanion) Replay(_ context.Context, index int) error {
	return f.record("replay:" + strconv.Itoa(index))
}

type fakeLogs []logging.Entry

func (l fakeLogs) History(limit int) []logging.Entry {
	if limit < len(l) {
		return l[len(l)-limit:]
	}
	return l
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutes(t *testing.T) {
	fc := &fakeCompanion{state: turn.State{Version: 7}}
	srv := New(zerolog.Nop(), nil, fc, Options{})
	h := srv.Router()

	rec := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st turn.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, uint64(7), st.Version)

	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/api/messages", `{"text":"vanakkam"}`).Code)
	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/api/listen", "").Code)
	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/api/listen", "").Code)
	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/api/messages/1/speak", "").Code)
	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/api/speech", "").Code)

	assert.Equal(t, []string{
		"send:vanakkam",
		"listen",
		"stop-listening",
		"replay:1",
		"stop-speaking",
	}, fc.Calls())
}

func TestErrorStatuses(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		method string
		path   string
		body   string
		want   int
	}{
		{"empty message", turn.ErrEmptyInput, http.MethodPost, "/api/messages", `{"text":" "}`, http.StatusBadRequest},
		{"busy", turn.ErrBusy, http.MethodPost, "/api/messages", `{"text":"hi"}`, http.StatusConflict},
		{"no such message", turn.ErrNoSuchMessage, http.MethodPost, "/api/messages/9/speak", "", http.StatusNotFound},
		{"not assistant", turn.ErrNotAssistant, http.MethodPost, "/api/messages/0/speak", "", http.StatusUnprocessableEntity},
		{"unsupported capture", capture.ErrUnsupported, http.MethodPost, "/api/listen", "", http.StatusNotImplemented},
		{"stopped", turn.ErrStopped, http.MethodDelete, "/api/speech", "", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeCompanion{err: tt.err}
			rec := do(t, New(zerolog.Nop(), nil, fc, Options{}).Router(), tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.err.Error(), body["error"])
		})
	}
}

func TestBadRequests(t *testing.T) {
	fc := &fakeCompanion{}
	h := New(zerolog.Nop(), nil, fc, Options{}).Router()

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/messages", "not json").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/messages/abc/speak", "").Code)
	assert.Empty(t, fc.Calls())
}

func TestLogs(t *testing.T) {
	logs := fakeLogs{
		{Level: "info", Message: "one"},
		{Level: "warn", Message: "two"},
		{Level: "info", Message: "three"},
	}
	h := New(zerolog.Nop(), nil, &fakeCompanion{}, Options{Logs: logs}).Router()

	rec := do(t, h, http.MethodGet, "/api/logs?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []logging.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "two", got[0].Message)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/logs?limit=-1", "").Code)
}

func TestMetricsRoute(t *testing.T) {
	m := metrics.NewCollector()
	h := New(zerolog.Nop(), nil, &fakeCompanion{}, Options{Metrics: m.Handler()}).Router()

	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "companion_listening")
}

func TestMetricsRouteAbsent(t *testing.T) {
	h := New(zerolog.Nop(), nil, &fakeCompanion{}, Options{}).Router()
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/metrics", "").Code)
}

func TestForeignOriginRejected(t *testing.T) {
	fc := &fakeCompanion{}
	h := New(zerolog.Nop(), nil, fc, Options{}).Router()

	tests := []struct {
		name   string
		method string
		path   string
	}{
		{"listen", http.MethodPost, "/api/listen"},
		{"stop listening", http.MethodDelete, "/api/listen"},
		{"send", http.MethodPost, "/api/messages"},
		{"replay", http.MethodPost, "/api/messages/0/speak"},
		{"stop speaking", http.MethodDelete, "/api/speech"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(`{"text":"hi"}`))
			req.Header.Set("Origin", "https://evil.example")
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusForbidden, rec.Code)
		})
	}
	assert.Empty(t, fc.Calls())
}

func TestSimpleFormPostRejected(t *testing.T) {
	fc := &fakeCompanion{}
	h := New(zerolog.Nop(), nil, fc, Options{}).Router()

	req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(`{"text":"hi"}`))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Empty(t, fc.Calls())
}

func TestAllowedOrigins(t *testing.T) {
	fc := &fakeCompanion{}
	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"http://localhost:5173/"}
	h := New(zerolog.Nop(), cfg, fc, Options{}).Router()

	for _, origin := range []string{"http://localhost:5173", "http://example.com"} {
		req := httptest.NewRequest(http.MethodPost, "/api/listen", nil)
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusAccepted, rec.Code, origin)
	}
	assert.Equal(t, []string{"listen", "listen"}, fc.Calls())
}

func TestWebsocketForeignOriginRejected(t *testing.T) {
	srv := New(zerolog.Nop(), nil, &fakeCompanion{}, Options{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// wsHarness runs a real controller behind the websocket feed.
type wsHarness struct {
	backend *testutil.MockBackend
	synth   *testutil.FakeSynth
	conn    *websocket.Conn
}

func newWSHarness(t *testing.T) *wsHarness {
	t.Helper()
	log := zerolog.Nop()
	h := &wsHarness{
		backend: testutil.CreateMockBackend(t),
		synth:   testutil.NewInstantSynth(tts.Voice{ID: "vani", Name: "Vani", Language: "ta-IN"}),
	}
	b := bus.NewEventBus()
	ctrl := turn.New(log, turn.Config{
		Dialogue: dialogue.NewClient(&dialogue.ClientConfig{BaseURL: h.backend.URL}, log),
		Speaker:  speech.NewSpeaker(log, nil, h.synth, nil, nil),
		Bus:      b,
	})
	srv := New(log, nil, ctrl, Options{Bus: b})

	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = ctrl.Run(ctx)
	}()
	go srv.Hub().Run(ctx)
	unsubscribe := b.Subscribe(bus.EventTypeStateChanged, srv.Hub().OnEvent)

	ts := httptest.NewServer(srv.Router())
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	h.conn = conn

	t.Cleanup(func() {
		conn.Close()
		unsubscribe()
		cancel()
		<-loopDone
		ts.Close()
	})
	return h
}

func (h *wsHarness) read(t *testing.T) feedMessage {
	t.Helper()
	require.NoError(t, h.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg feedMessage
	require.NoError(t, h.conn.ReadJSON(&msg))
	return msg
}

// readUntil reads feed messages until cond holds for one.
func (h *wsHarness) readUntil(t *testing.T, cond func(feedMessage) bool) feedMessage {
	t.Helper()
	for {
		msg := h.read(t)
		if cond(msg) {
			return msg
		}
	}
}

func TestWebsocketFeed(t *testing.T) {
	h := newWSHarness(t)
	h.backend.SetReply("Iniya Pongal!", "excited")

	first := h.read(t)
	require.Equal(t, "state", first.Type)
	require.NotNil(t, first.State)
	assert.Empty(t, first.State.Messages)

	require.NoError(t, h.conn.WriteJSON(command{Type: "send", Text: "hello"}))

	msg := h.readUntil(t, func(m feedMessage) bool {
		return m.State != nil && len(m.State.Messages) == 2 && !m.State.IsLoading
	})
	assert.Equal(t, "Iniya Pongal!", msg.State.Messages[1].Content)
	assert.Equal(t, "excited", string(msg.State.Emotion))
	assert.Equal(t, []string{"hello"}, h.backend.Messages())
}

func TestWebsocketRejectsCommands(t *testing.T) {
	h := newWSHarness(t)
	h.read(t)

	require.NoError(t, h.conn.WriteJSON(command{Type: "send", Text: "   "}))
	msg := h.readUntil(t, func(m feedMessage) bool { return m.Type == "error" })
	assert.Equal(t, turn.ErrEmptyInput.Error(), msg.Error)

	require.NoError(t, h.conn.WriteJSON(command{Type: "dance"}))
	msg = h.readUntil(t, func(m feedMessage) bool { return m.Type == "error" })
	assert.Contains(t, msg.Error, "dance")

	require.NoError(t, h.conn.WriteJSON(command{Type: "listen"}))
	msg = h.readUntil(t, func(m feedMessage) bool { return m.Type == "error" })
	assert.Equal(t, capture.ErrUnsupported.Error(), msg.Error)
}
