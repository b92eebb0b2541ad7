package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/knadh/polltalk/internal/hub"
	"github.com/knadh/stuffbin"
)

func testConfig() *hub.Config {
	return &hub.Config{
		Name:              "Polltalk",
		MaxCachedMessages: 200,
		MaxMessageLen:     400,
		MaxRoomNameLen:    100,
		LongpollTimeout:   5 * time.Second,
	}
}

// newTestApp spins up the full app against the local theme directory and
// returns it with a running test server.
func newTestApp(t *testing.T, cfg *hub.Config) (*App, *httptest.Server) {
	t.Helper()

	fs, err := stuffbin.NewLocalFS("./", "./theme")
	if err != nil {
		t.Fatalf("couldn't mount local theme: %v", err)
	}
	tpl, err := stuffbin.ParseTemplatesGlob(nil, fs, "/theme/templates/*.html")
	if err != nil {
		t.Fatalf("couldn't compile templates: %v", err)
	}

	lo := log.New(io.Discard, "", 0)
	app := &App{
		cfg:    cfg,
		fs:     fs,
		tpl:    tpl,
		logger: lo,
		hub:    hub.NewHub(cfg, lo),
	}
	srv := httptest.NewServer(initRoutes(app))
	t.Cleanup(srv.Close)
	return app, srv
}

// apiPost posts a JSON body and decodes the response envelope, unmarshalling
// the data payload into out when out is non-nil.
func apiPost(t *testing.T, url string, body, out interface{}) (int, *string) {
	t.Helper()

	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("couldn't marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var env struct {
		Error *string         `json:"error"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("couldn't decode response envelope: %v", err)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			t.Fatalf("couldn't decode response data: %v", err)
		}
	}
	return resp.StatusCode, env.Error
}

// waitFor polls cond until it holds or a couple of seconds pass.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never held")
}

func TestPostMessageAndCursorReplay(t *testing.T) {
	_, srv := newTestApp(t, testConfig())

	var m1, m2, m3 hub.Message
	for _, m := range []*hub.Message{&m1, &m2, &m3} {
		code, apiErr := apiPost(t, srv.URL+"/api/rooms/test/messages",
			reqMessage{Body: "hello"}, m)
		if code != 200 || apiErr != nil {
			t.Fatalf("post failed: code=%d err=%v", code, apiErr)
		}
		if m.ID == "" || m.Timestamp == 0 {
			t.Fatalf("posted message came back without id/timestamp: %+v", m)
		}
	}

	// The client saw m1, so polling with its id must return m2 and m3
	// immediately without parking the request.
	var out updatesResp
	code, apiErr := apiPost(t, srv.URL+"/api/rooms/test/updates",
		reqUpdates{Cursor: m1.ID}, &out)
	if code != 200 || apiErr != nil {
		t.Fatalf("updates failed: code=%d err=%v", code, apiErr)
	}
	if len(out.Messages) != 2 || out.Messages[0].ID != m2.ID || out.Messages[1].ID != m3.ID {
		t.Fatalf("expected the two missed messages, got %+v", out.Messages)
	}
}

func TestLongPollReceivesBroadcast(t *testing.T) {
	app, srv := newTestApp(t, testConfig())

	// Post a message through the API once the poll below has parked.
	go func() {
		for i := 0; i < 100 && app.hub.Stats().Waiters == 0; i++ {
			time.Sleep(10 * time.Millisecond)
		}
		b, _ := json.Marshal(reqMessage{Body: "ping"})
		http.Post(srv.URL+"/api/rooms/test/messages", "application/json", bytes.NewReader(b))
	}()

	var out updatesResp
	code, apiErr := apiPost(t, srv.URL+"/api/rooms/test/updates", reqUpdates{}, &out)
	if code != 200 || apiErr != nil {
		t.Fatalf("updates failed: code=%d err=%v", code, apiErr)
	}
	if len(out.Messages) != 1 || out.Messages[0].Body != "ping" {
		t.Fatalf("expected the broadcast message, got %+v", out.Messages)
	}
}

func TestLongPollTimeoutReturnsEmpty(t *testing.T) {
	cfg := testConfig()
	cfg.LongpollTimeout = 100 * time.Millisecond
	_, srv := newTestApp(t, cfg)

	var (
		out   updatesResp
		start = time.Now()
	)
	code, apiErr := apiPost(t, srv.URL+"/api/rooms/quiet/updates", reqUpdates{}, &out)
	if code != 200 || apiErr != nil {
		t.Fatalf("updates failed: code=%d err=%v", code, apiErr)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Fatal("poll returned before the timeout")
	}
	// The payload is an empty list, not a missing or null field.
	if out.Messages == nil || len(out.Messages) != 0 {
		t.Fatalf("expected an empty message list, got %+v", out.Messages)
	}
}

func TestDisconnectWithdrawsWaiter(t *testing.T) {
	app, srv := newTestApp(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		srv.URL+"/api/rooms/test/updates", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("couldn't build request: %v", err)
	}

	done := make(chan struct{})
	go func() {
		http.DefaultClient.Do(req)
		close(done)
	}()

	// Wait for the poll to park, then sever the client.
	waitFor(t, func() bool { return app.hub.Stats().Waiters == 1 })
	cancel()
	<-done

	// The handler notices the disconnect and withdraws its waiter.
	waitFor(t, func() bool { return app.hub.Stats().Waiters == 0 })
}

func TestMessageValidation(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageLen = 10
	cfg.MaxRoomNameLen = 8
	_, srv := newTestApp(t, cfg)

	// Empty body.
	code, apiErr := apiPost(t, srv.URL+"/api/rooms/test/messages", reqMessage{}, nil)
	if code != 400 || apiErr == nil {
		t.Fatalf("empty message should 400, got %d", code)
	}

	// Oversized body.
	code, apiErr = apiPost(t, srv.URL+"/api/rooms/test/messages",
		reqMessage{Body: "this is way past ten chars"}, nil)
	if code != 400 || apiErr == nil {
		t.Fatalf("oversized message should 400, got %d", code)
	}

	// Oversized room name, on both API endpoints.
	code, _ = apiPost(t, srv.URL+"/api/rooms/a-very-long-room-name/messages",
		reqMessage{Body: "hi"}, nil)
	if code != 400 {
		t.Fatalf("oversized room name should 400 on post, got %d", code)
	}
	code, _ = apiPost(t, srv.URL+"/api/rooms/a-very-long-room-name/updates",
		reqUpdates{}, nil)
	if code != 400 {
		t.Fatalf("oversized room name should 400 on updates, got %d", code)
	}

	// Malformed JSON.
	resp, err := http.Post(srv.URL+"/api/rooms/test/messages", "application/json",
		strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Fatalf("malformed JSON should 400, got %d", resp.StatusCode)
	}
}

func TestMessageRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitMessages = 2
	cfg.RateLimitInterval = time.Minute
	_, srv := newTestApp(t, cfg)

	for i := 0; i < 2; i++ {
		code, apiErr := apiPost(t, srv.URL+"/api/rooms/test/messages",
			reqMessage{Body: "hi"}, nil)
		if code != 200 || apiErr != nil {
			t.Fatalf("post %d should pass the limiter, got %d (%v)", i, code, apiErr)
		}
	}

	code, apiErr := apiPost(t, srv.URL+"/api/rooms/test/messages", reqMessage{Body: "hi"}, nil)
	if code != http.StatusTooManyRequests || apiErr == nil {
		t.Fatalf("post past the limit should 429, got %d", code)
	}

	// Rooms are limited independently.
	code, _ = apiPost(t, srv.URL+"/api/rooms/other/messages", reqMessage{Body: "hi"}, nil)
	if code != 200 {
		t.Fatalf("other room should have its own limit, got %d", code)
	}
}

func TestRoomPageShowsHistory(t *testing.T) {
	app, srv := newTestApp(t, testConfig())
	app.hub.Publish("watercooler", []hub.Message{hub.NewMessage("hello from history")})

	resp, err := http.Get(srv.URL + "/r/watercooler")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != 200 {
		t.Fatalf("room page returned %d", resp.StatusCode)
	}
	if !strings.Contains(string(b), "hello from history") {
		t.Fatal("room page doesn't show the cached history")
	}
}

func TestIndexPage(t *testing.T) {
	_, srv := newTestApp(t, testConfig())

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("index page returned %d", resp.StatusCode)
	}
}

func TestDebugEndpointGated(t *testing.T) {
	_, srv := newTestApp(t, testConfig())
	resp, err := http.Get(srv.URL + "/debug")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Fatalf("debug should 404 when disabled, got %d", resp.StatusCode)
	}

	cfg := testConfig()
	cfg.Debug = true
	_, srv2 := newTestApp(t, cfg)
	resp2, err := http.Get(srv2.URL + "/debug")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp2.Body.Close()
	b, _ := io.ReadAll(resp2.Body)
	if resp2.StatusCode != 200 || !strings.Contains(string(b), "rooms:") {
		t.Fatalf("debug endpoint broken: %d %q", resp2.StatusCode, b)
	}
}
