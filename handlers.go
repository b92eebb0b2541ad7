package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi"
	"github.com/knadh/polltalk/internal/hub"
)

const (
	hasRoom = 1 << iota
)

// reqCtx is the context injected into every request.
type reqCtx struct {
	app  *App
	room string
}

// jsonResp is the envelope for all JSON API responses.
type jsonResp struct {
	Error *string     `json:"error"`
	Data  interface{} `json:"data"`
}

// tpl is the envelope for all HTML template executions.
type tpl struct {
	Config *hub.Config
	Data   tplData
}

type tplData struct {
	Title       string
	Description string
	Room        string
	Messages    []hub.Message
}

// reqMessage is an incoming chat message post.
type reqMessage struct {
	Body string `json:"body"`
}

// reqUpdates is an incoming long-poll request. Cursor is the id of the last
// message the client has seen and is empty on a client's first poll.
type reqUpdates struct {
	Cursor string `json:"cursor"`
}

// updatesResp is the payload of a resolved long-poll. Messages is empty when
// the poll timed out with no traffic.
type updatesResp struct {
	Messages []hub.Message `json:"messages"`
}

// handleIndex renders the homepage.
func handleIndex(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)
	respondHTML("index", tplData{
		Title: app.cfg.Name,
	}, http.StatusOK, w, app)
}

// handleRoomPage renders the chat room page with the room's cached history.
func handleRoomPage(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)

	if ctx.room == "" {
		respondHTML("error", tplData{
			Title:       "Invalid room",
			Description: fmt.Sprintf("Room names should be 1 - %d characters.", app.cfg.MaxRoomNameLen),
		}, http.StatusBadRequest, w, app)
		return
	}

	room := app.hub.EnsureRoom(ctx.room)

	// Disable browser caching so revisits always render fresh history.
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	respondHTML("room", tplData{
		Title:    fmt.Sprintf("%s / %s", app.cfg.Name, room.Name),
		Room:     room.Name,
		Messages: room.History(),
	}, http.StatusOK, w, app)
}

// handleNewMessage accepts a chat message and broadcasts it to the room.
func handleNewMessage(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)

	if ctx.room == "" {
		respondJSON(w, nil, errors.New("invalid room name"), http.StatusBadRequest)
		return
	}

	var req reqMessage
	if err := readJSONReq(r, &req); err != nil {
		respondJSON(w, nil, errors.New("error parsing JSON request"), http.StatusBadRequest)
		return
	}

	if req.Body == "" {
		respondJSON(w, nil, errors.New("message body is empty"), http.StatusBadRequest)
		return
	}
	if len(req.Body) > app.cfg.MaxMessageLen {
		respondJSON(w, nil,
			fmt.Errorf("message body should be < %d chars", app.cfg.MaxMessageLen),
			http.StatusBadRequest)
		return
	}

	if !app.hub.EnsureRoom(ctx.room).AllowMessage() {
		respondJSON(w, nil, errors.New("too many messages, slow down"), http.StatusTooManyRequests)
		return
	}

	msg := hub.NewMessage(req.Body)
	app.hub.Publish(ctx.room, []hub.Message{msg})
	respondJSON(w, msg, nil, http.StatusOK)
}

// handleUpdates is the long-poll endpoint. It parks the request until the
// room sees a publish, the configured timeout lapses, or the client goes
// away, and responds with the batch of messages the client hasn't seen.
func handleUpdates(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)

	if ctx.room == "" {
		respondJSON(w, nil, errors.New("invalid room name"), http.StatusBadRequest)
		return
	}

	var req reqUpdates
	if err := readJSONReq(r, &req); err != nil {
		respondJSON(w, nil, errors.New("error parsing JSON request"), http.StatusBadRequest)
		return
	}

	wt := app.hub.Subscribe(ctx.room, req.Cursor)
	timer := time.NewTimer(app.cfg.LongpollTimeout)
	defer timer.Stop()

	select {
	case msgs := <-wt.Messages():
		respondJSON(w, updatesResp{Messages: msgs}, nil, http.StatusOK)

	case <-r.Context().Done():
		// Client went away; withdraw the waiter. Nobody's around to read
		// a response.
		app.hub.Cancel(ctx.room, wt)

	case <-timer.C:
		// Once Cancel returns, the waiter's single result is guaranteed
		// buffered: the empty batch, or a batch a racing publish got in
		// first. Either way that's the response.
		app.hub.Cancel(ctx.room, wt)
		respondJSON(w, updatesResp{Messages: <-wt.Messages()}, nil, http.StatusOK)
	}
}

// handleDebug prints hub counters for eyeballing a running instance.
func handleDebug(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)

	s := app.hub.Stats()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "rooms: %d\nmessages: %d\nwaiters: %d\ngoroutines: %d\n",
		s.Rooms, s.Messages, s.Waiters, runtime.NumGoroutine())
}

// respondJSON responds to an HTTP request with a generic payload or an error.
func respondJSON(w http.ResponseWriter, data interface{}, err error, statusCode int) {
	if statusCode == 0 {
		statusCode = http.StatusOK
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)

	out := jsonResp{Data: data}
	if err != nil {
		e := err.Error()
		out.Error = &e
	}
	b, err := json.Marshal(out)
	if err != nil {
		logger.Printf("error marshalling JSON response: %v", err)
		w.Write([]byte(`{"error": "internal server error", "data": null}`))
		return
	}
	w.Write(b)
}

// respondHTML responds to an HTTP request with the HTML output of a given template.
func respondHTML(tplName string, data tplData, statusCode int, w http.ResponseWriter, app *App) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if statusCode > 0 {
		w.WriteHeader(statusCode)
	}

	err := app.tpl.ExecuteTemplate(w, tplName, tpl{
		Config: app.cfg,
		Data:   data,
	})
	if err != nil {
		app.logger.Printf("error rendering template %s: %s", tplName, err)
		w.Write([]byte("error rendering template"))
	}
}

// wrap is a middleware that handles the room name check for various HTTP
// handlers. It attaches the app context to handlers.
func wrap(next http.HandlerFunc, app *App, opts uint8) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &reqCtx{app: app}

		// Check if the room name is well formed. If it isn't, req.room
		// stays empty in the target handler. It's the handler's
		// responsibility to throw an error, API or HTML response.
		if opts&hasRoom != 0 {
			name := chi.URLParam(r, "roomName")
			if name != "" && len(name) <= app.cfg.MaxRoomNameLen {
				req.room = name
			}
		}

		// Attach the request context.
		ctx := context.WithValue(r.Context(), "ctx", req)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// readJSONReq reads the JSON body from a request and unmarshals it to the
// given target. An empty body is accepted and leaves the target untouched.
func readJSONReq(r *http.Request, o interface{}) error {
	defer r.Body.Close()
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, o)
}
