package scriptrt

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// wireEvent is the JSON shape of an event on the comm surface.
type wireEvent struct {
	Source     string          `json:"source"`
	Name       string          `json:"name"`
	TitledName string          `json:"titled_name,omitempty"`
	AuthorID   string          `json:"author_id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

func (w wireEvent) toEvent() (*Event, error) {
	if w.Name == "" {
		return nil, errInvalidInput("event", "must have a name")
	}
	ev := &Event{
		Source:     w.Source,
		Name:       w.Name,
		TitledName: w.TitledName,
		AuthorID:   w.AuthorID,
	}
	if ev.Source == "" {
		ev.Source = SourceDiscord
	}
	if ev.TitledName == "" {
		ev.TitledName = titleCase(ev.Name)
	}
	if len(w.Data) > 0 {
		var data any
		if err := json.Unmarshal(w.Data, &data); err != nil {
			return nil, errInvalidInput("event", "malformed data: "+err.Error())
		}
		ev.Data = data
	}
	return ev, nil
}

// wireResult is the JSON shape of one script result.
type wireResult struct {
	Script    string `json:"script"`
	Value     any    `json:"value,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

func toWireResults(results []ScriptResult) []wireResult {
	out := make([]wireResult, 0, len(results))
	for _, r := range results {
		wr := wireResult{Script: r.Script, Value: r.Value}
		if r.Err != nil {
			wr.Error = r.Err.Error()
			wr.ErrorKind = KindOf(r.Err).String()
		}
		out = append(out, wr)
	}
	return out
}

// CommServer exposes the engine to sibling processes (the bot shell and
// the dashboard) as JSON over cleartext HTTP/2, with a websocket ingest
// for the high-volume event stream. Auth is one shared bearer token.
type CommServer struct {
	engine *Engine
	token  string
	log    *slog.Logger
}

// NewCommServer wraps the engine. token must be non-empty.
func NewCommServer(engine *Engine, token string, log *slog.Logger) *CommServer {
	if log == nil {
		log = slog.Default()
	}
	return &CommServer{engine: engine, token: token, log: log}
}

func (s *CommServer) authorized(r *http.Request) bool {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(s.token)) == 1
}

func (s *CommServer) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn("comm response encode failed", "err", err)
	}
}

func (s *CommServer) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch KindOf(err) {
	case KindInvalidInput:
		status = http.StatusBadRequest
	case KindNotFound:
		status = http.StatusNotFound
	case KindCapabilityDenied:
		status = http.StatusForbidden
	case KindRateLimited:
		status = http.StatusTooManyRequests
	case KindTimedOut:
		status = http.StatusGatewayTimeout
	}
	s.writeJSON(w, status, map[string]string{
		"error":      err.Error(),
		"error_kind": KindOf(err).String(),
	})
}

func (s *CommServer) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		s.writeError(w, errInvalidInput("body", err.Error()))
		return false
	}
	return true
}

type dispatchBody struct {
	Tenant string    `json:"tenant"`
	Event  wireEvent `json:"event"`
	Scopes []string  `json:"scopes,omitempty"`
	// WaitTimeoutMs overrides the configured wait deadline on waiting
	// endpoints; fire-and-forget endpoints ignore it.
	WaitTimeoutMs int64 `json:"wait_timeout_ms,omitempty"`
}

func (b dispatchBody) waitTimeout() time.Duration {
	return time.Duration(b.WaitTimeoutMs) * time.Millisecond
}

func (b dispatchBody) parse() (TenantID, *Event, error) {
	tenant, err := ParseTenantID(b.Tenant)
	if err != nil {
		return TenantID{}, nil, errInvalidInput("tenant", err.Error())
	}
	ev, err := b.Event.toEvent()
	if err != nil {
		return TenantID{}, nil, err
	}
	return tenant, ev, nil
}

// Handler returns the comm surface with h2c wrapping, ready to serve.
func (s *CommServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("POST /dispatch", s.handleDispatch)
	mux.HandleFunc("POST /dispatch/wait", s.handleDispatchWait)
	mux.HandleFunc("POST /scripts/run", s.handleRunScript)
	mux.HandleFunc("GET /settings/query", s.handleSettingsQuery)
	mux.HandleFunc("GET /settings/pages", s.handleSettingsPages)
	mux.HandleFunc("POST /settings/execute", s.handleSettingsExecute)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("POST /tenants/clear_inactive", s.handleClearInactive)
	mux.HandleFunc("POST /tenants/remove", s.handleRemoveTenant)
	mux.HandleFunc("POST /tenants/stop", s.handleStopTenant)
	mux.HandleFunc("GET /events/ws", s.handleEventStream)

	authed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		mux.ServeHTTP(w, r)
	})
	return h2c.NewHandler(authed, &http2.Server{})
}

// Serve runs the comm surface on addr until ctx is cancelled.
func (s *CommServer) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *CommServer) handlePing(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Pool().Ping(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *CommServer) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var body dispatchBody
	if !s.decode(w, r, &body) {
		return
	}
	tenant, ev, err := body.parse()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.engine.Dispatcher().Dispatch(r.Context(), tenant, ev); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *CommServer) handleDispatchWait(w http.ResponseWriter, r *http.Request) {
	var body dispatchBody
	if !s.decode(w, r, &body) {
		return
	}
	tenant, ev, err := body.parse()
	if err != nil {
		s.writeError(w, err)
		return
	}
	results, err := s.engine.Dispatcher().DispatchWait(r.Context(), tenant, ev, body.Scopes, body.waitTimeout())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": toWireResults(results)})
}

func (s *CommServer) handleRunScript(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tenant string `json:"tenant"`
		Name   string `json:"name"`
		Source string `json:"source"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	tenant, err := ParseTenantID(body.Tenant)
	if err != nil {
		s.writeError(w, errInvalidInput("tenant", err.Error()))
		return
	}
	value, err := s.engine.Pool().RunScript(r.Context(), tenant, body.Name, body.Source)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"value": value})
}

func (s *CommServer) tenantParam(w http.ResponseWriter, r *http.Request) (TenantID, bool) {
	tenant, err := ParseTenantID(r.URL.Query().Get("tenant"))
	if err != nil {
		s.writeError(w, errInvalidInput("tenant", err.Error()))
		return TenantID{}, false
	}
	return tenant, true
}

func (s *CommServer) handleSettingsQuery(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenantParam(w, r)
	if !ok {
		return
	}
	settings, err := s.engine.Settings().QuerySettings(r.Context(), tenant)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"settings": settings})
}

func (s *CommServer) handleSettingsPages(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenantParam(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"pages": s.engine.Settings().Pages(tenant)})
}

func (s *CommServer) handleSettingsExecute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tenant        string         `json:"tenant"`
		Script        string         `json:"script"`
		SettingID     string         `json:"setting_id"`
		Op            string         `json:"op"`
		Fields        map[string]any `json:"fields,omitempty"`
		Author        string         `json:"author,omitempty"`
		WaitTimeoutMs int64          `json:"wait_timeout_ms,omitempty"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	tenant, err := ParseTenantID(body.Tenant)
	if err != nil {
		s.writeError(w, errInvalidInput("tenant", err.Error()))
		return
	}
	timeout := time.Duration(body.WaitTimeoutMs) * time.Millisecond
	result, err := s.engine.Settings().Execute(r.Context(), tenant, body.Script, body.SettingID, body.Op, body.Fields, body.Author, timeout)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *CommServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.engine.Pool().Metrics(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"vms": metrics})
}

func (s *CommServer) handleClearInactive(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ThresholdMs int64 `json:"threshold_ms"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	threshold := time.Duration(body.ThresholdMs) * time.Millisecond
	if threshold <= 0 {
		threshold = s.engine.cfg.InactivityThreshold
	}
	if err := s.engine.Pool().ClearInactive(r.Context(), threshold); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *CommServer) handleRemoveTenant(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tenant string `json:"tenant"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	tenant, err := ParseTenantID(body.Tenant)
	if err != nil {
		s.writeError(w, errInvalidInput("tenant", err.Error()))
		return
	}
	removed, err := s.engine.Pool().RemoveTenant(r.Context(), tenant)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (s *CommServer) handleStopTenant(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tenant string `json:"tenant"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	tenant, err := ParseTenantID(body.Tenant)
	if err != nil {
		s.writeError(w, errInvalidInput("tenant", err.Error()))
		return
	}
	if err := s.engine.Pool().StopTenant(r.Context(), tenant); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEventStream accepts a websocket over which the gateway shell
// streams fire-and-forget dispatch frames. Malformed frames close the
// connection; dispatch failures are logged and the stream continues.
func (s *CommServer) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	ctx := r.Context()
	for {
		var frame dispatchBody
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return
		}
		tenant, ev, err := frame.parse()
		if err != nil {
			conn.Close(websocket.StatusInvalidFramePayloadData, err.Error())
			return
		}
		if err := s.engine.Dispatcher().Dispatch(ctx, tenant, ev); err != nil {
			s.log.Warn("stream dispatch failed",
				"tenant", frame.Tenant, "event", ev.Name, "err", err)
		}
	}
}
