package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/tinywideclouds/go-pushkey-service/pkg/pushkey"
)

const (
	Version         = "1.0.0"
	DefaultCategory = "myNotificationCategory"

	msgKeyNotFound  = "Key is not found, please check again. Key can be obtained from App."
	msgEmptyToken   = "Device token can not be empty."
	msgRegistered   = "Registration Successful"
	msgGatewayDown  = "Push gateway is unavailable, please retry later."
	msgInternal     = "Internal server error."
	maxRequestBytes = 1 << 20
)

// Directory is the part of the key directory the API needs.
type Directory interface {
	Register(ctx context.Context, deviceToken, presentedKey string) (string, error)
	Resolve(ctx context.Context, key string) (string, error)
}

type KeyAPI struct {
	Directory  Directory
	Dispatcher pushkey.Dispatcher
	Category   string
	Logger     *slog.Logger
}

func NewKeyAPI(dir Directory, dispatcher pushkey.Dispatcher, category string, logger *slog.Logger) *KeyAPI {
	if category == "" {
		category = DefaultCategory
	}
	return &KeyAPI{
		Directory:  dir,
		Dispatcher: dispatcher,
		Category:   category,
		Logger:     logger.With("component", "KeyAPI"),
	}
}

// Routes returns the public router. Push routes accept GET and POST.
func (api *KeyAPI) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", api.Ping)
	mux.HandleFunc("GET /register", api.Register)
	mux.HandleFunc("POST /register", api.Register)
	for _, pattern := range []string{"/{key}", "/{key}/{title}", "/{key}/{title}/{body}"} {
		mux.HandleFunc("GET "+pattern, api.Push)
		mux.HandleFunc("POST "+pattern, api.Push)
	}
	return RequireJSON(mux)
}

// envelope is the response shape every endpoint uses.
type envelope struct {
	Code    int    `json:"code"`
	Data    any    `json:"data"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Code: status, Data: data, Message: message})
}

func (api *KeyAPI) Ping(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version}, "pong")
}

// Register binds a device token to a key: GET|POST /register?devicetoken=...&key=...
func (api *KeyAPI) Register(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	fields, err := readFields(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, nil, "invalid request body")
		return
	}

	deviceToken := stringField(fields, "devicetoken")
	presentedKey := stringField(fields, "key")
	if deviceToken == "" {
		writeJSON(w, http.StatusBadRequest, nil, msgEmptyToken)
		return
	}

	key, err := api.Directory.Register(r.Context(), deviceToken, presentedKey)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"key": key}, msgRegistered)
	case errors.Is(err, pushkey.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, nil, msgEmptyToken)
	case errors.Is(err, pushkey.ErrKeyNotFound):
		writeJSON(w, http.StatusBadRequest, nil, msgKeyNotFound)
	default:
		api.Logger.Error("Register failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, nil, msgInternal)
	}
}

// Push resolves the key and sends a notification to its device.
func (api *KeyAPI) Push(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := r.PathValue("key")

	deviceToken, err := api.Directory.Resolve(ctx, key)
	if err != nil {
		if errors.Is(err, pushkey.ErrKeyNotFound) {
			writeJSON(w, http.StatusBadRequest, nil, msgKeyNotFound)
			return
		}
		api.Logger.Error("Resolve failed", "key", key, "err", err)
		writeJSON(w, http.StatusInternalServerError, nil, msgInternal)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	req, err := api.buildPushRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, nil, "invalid request body")
		return
	}

	outcome, err := api.Dispatcher.Send(ctx, deviceToken, req)
	switch {
	case err == nil && outcome.IsDelivered():
		writeJSON(w, http.StatusOK, nil, "")
	case err == nil:
		writeJSON(w, http.StatusBadRequest, nil, outcome.Reason)
	case errors.Is(err, pushkey.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, nil, err.Error())
	case errors.Is(err, pushkey.ErrTransport):
		writeJSON(w, http.StatusBadGateway, nil, msgGatewayDown)
	default:
		api.Logger.Error("Push failed", "key", key, "err", err)
		writeJSON(w, http.StatusInternalServerError, nil, msgInternal)
	}
}

// buildPushRequest resolves title and body (a non-empty path segment wins
// over the body field) and collects every other field as an extra param.
func (api *KeyAPI) buildPushRequest(r *http.Request) (pushkey.PushRequest, error) {
	fields, err := readFields(r)
	if err != nil {
		return pushkey.PushRequest{}, err
	}

	req := pushkey.PushRequest{
		Category:    api.Category,
		Title:       firstNonEmpty(r.PathValue("title"), textField(fields, "title")),
		Body:        firstNonEmpty(r.PathValue("body"), textField(fields, "body")),
		ExtraParams: pushkey.Params{},
	}
	for k, v := range fields {
		if k == "title" || k == "body" {
			continue
		}
		req.ExtraParams[k] = v
	}
	return req, nil
}

// readFields merges scalar JSON body fields, form fields and query
// parameters. Query parameters are applied last and win.
func readFields(r *http.Request) (map[string]any, error) {
	fields := make(map[string]any)

	if isJSON(r) && r.Body != nil {
		var body map[string]any
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		for k, v := range body {
			if s, ok := scalar(v); ok {
				fields[k] = s
			}
		}
	} else if err := r.ParseForm(); err != nil {
		return nil, err
	} else {
		for k, vs := range r.PostForm {
			if len(vs) > 0 {
				fields[k] = vs[0]
			}
		}
	}

	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			fields[k] = vs[0]
		}
	}
	return fields, nil
}

func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

// scalar keeps strings, numbers and bools; nested values are dropped.
func scalar(v any) (any, bool) {
	switch t := v.(type) {
	case string, bool:
		return t, true
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, true
		}
		if f, err := t.Float64(); err == nil {
			return f, true
		}
		return t.String(), true
	default:
		return nil, false
	}
}

func stringField(fields map[string]any, name string) string {
	if s, ok := fields[name].(string); ok {
		return s
	}
	return ""
}

// textField renders any scalar field as text, so {"title": 5} is "5".
func textField(fields map[string]any, name string) string {
	s, _ := pushkey.ScalarText(fields[name])
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// RequireJSON rejects clients that cannot accept a JSON response.
func RequireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(r.Header.Get("Accept")) {
			writeJSON(w, http.StatusNotAcceptable, nil, "This API only supports responses encoded as JSON.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func acceptsJSON(accept string) bool {
	if strings.TrimSpace(accept) == "" {
		return true
	}
	for _, part := range strings.Split(accept, ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		switch mt {
		case "application/json", "application/*", "*/*":
			return true
		}
	}
	return false
}
