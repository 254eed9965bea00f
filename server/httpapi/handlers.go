package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/migadu/selftest/consts"
	"github.com/migadu/selftest/eventlog"
	"github.com/migadu/selftest/helpers"
	"github.com/migadu/selftest/logger"
	"github.com/migadu/selftest/modestore"
	"github.com/migadu/selftest/pkg/metrics"
	"github.com/migadu/selftest/resolver"
	"github.com/migadu/selftest/verdict"
)

// Request/Response types

type SetModeRequest struct {
	Scenario string `json:"scenario"`
	TTL      string `json:"ttl,omitempty"`
	Session  string `json:"session,omitempty"`
}

type ExtendModeRequest struct {
	Add string `json:"add"`
}

type SetDefaultRequest struct {
	Scenario string `json:"scenario"`
}

// ModeResponse describes what a connection from Identifier would be served.
type ModeResponse struct {
	Identifier string             `json:"identifier"`
	Scenario   modestore.Scenario `json:"scenario"`
	Source     modestore.Source   `json:"source"`
	Session    string             `json:"session,omitempty"`
	ExpiresAt  *time.Time         `json:"expires_at,omitempty"`
}

// CreateSessionRequest optionally arms a scenario for the new session in
// the same call.
type CreateSessionRequest struct {
	Identifier string `json:"identifier,omitempty"`
	Scenario   string `json:"scenario,omitempty"`
	TTL        string `json:"ttl,omitempty"`
}

type CreateSessionResponse struct {
	Session  string        `json:"session"`
	Username string        `json:"username"`
	Mode     *ModeResponse `json:"mode,omitempty"`
}

type EventsResponse struct {
	Session  string           `json:"session"`
	Protocol string           `json:"protocol,omitempty"`
	Events   []eventlog.Event `json:"events"`
}

type VerdictResponse struct {
	Session  string `json:"session"`
	Protocol string `json:"protocol,omitempty"`
	verdict.Result
}

// ObservationRequest records an outcome seen outside the wire. Skip is
// shorthand for result SKIPPED.
type ObservationRequest struct {
	Protocol string `json:"protocol,omitempty"`
	Result   string `json:"result,omitempty"`
	Note     string `json:"note,omitempty"`
	Skip     bool   `json:"skip,omitempty"`
}

type ArchiveResponse struct {
	Session string `json:"session"`
	Key     string `json:"key"`
}

func modeResponse(identifier string, d modestore.Decision) ModeResponse {
	resp := ModeResponse{
		Identifier: identifier,
		Scenario:   d.Scenario,
		Source:     d.Source,
		Session:    d.Session,
	}
	if !d.ExpiresAt.IsZero() {
		at := d.ExpiresAt.UTC()
		resp.ExpiresAt = &at
	}
	return resp
}

// effectiveTTL applies the configured default and cap to a requested TTL.
func (s *Server) effectiveTTL(raw string) (time.Duration, error) {
	ttl := s.defaultTTL
	if raw != "" {
		d, err := helpers.ParseDuration(raw)
		if err != nil {
			return 0, err
		}
		if d < 0 {
			return 0, errors.New("ttl must not be negative")
		}
		ttl = d
	}
	if s.maxTTL > 0 && (ttl <= 0 || ttl > s.maxTTL) {
		ttl = s.maxTTL
	}
	return ttl, nil
}

// sessionToken accepts a bare token or a full "test-<token>" username.
func sessionToken(raw string) (string, bool) {
	if tok, ok := resolver.Resolve(raw); ok {
		return tok, true
	}
	return resolver.Resolve(resolver.Username(raw))
}

func (s *Server) updateModeGauge() {
	metrics.ModeAssignmentsCurrent.Set(float64(len(s.modes.List())))
}

func (s *Server) arm(identifier, scenarioName, ttlRaw, session string) (ModeResponse, int, error) {
	scenario, err := modestore.ParseScenario(scenarioName)
	if err != nil {
		return ModeResponse{}, http.StatusBadRequest, err
	}
	ttl, err := s.effectiveTTL(ttlRaw)
	if err != nil {
		return ModeResponse{}, http.StatusBadRequest, err
	}
	if err := s.modes.SetArmed(identifier, scenario, ttl, session); err != nil {
		return ModeResponse{}, http.StatusBadRequest, err
	}
	s.updateModeGauge()
	logger.Info("HTTP API: Scenario armed", "identifier", identifier, "scenario", scenario, "ttl", ttl, "session", session)
	return modeResponse(identifier, s.modes.Decide(identifier)), http.StatusOK, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"default":     s.modes.Default(),
		"assignments": len(s.modes.List()),
		"archive":     s.archiver != nil,
	})
}

func (s *Server) handleListModes(w http.ResponseWriter, r *http.Request) {
	list := s.modes.List()
	if list == nil {
		list = []modestore.Assignment{}
	}
	metrics.ModeAssignmentsCurrent.Set(float64(len(list)))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"default":     s.modes.Default(),
		"assignments": list,
	})
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	identifier := mux.Vars(r)["identifier"]

	var req SetModeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	session := ""
	if req.Session != "" {
		tok, ok := sessionToken(req.Session)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "Invalid session token")
			return
		}
		session = tok
	}

	resp, status, err := s.arm(identifier, req.Scenario, req.TTL, session)
	if err != nil {
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleGetMode(w http.ResponseWriter, r *http.Request) {
	identifier := mux.Vars(r)["identifier"]
	s.writeJSON(w, http.StatusOK, modeResponse(identifier, s.modes.Decide(identifier)))
}

func (s *Server) handleDeleteMode(w http.ResponseWriter, r *http.Request) {
	identifier := mux.Vars(r)["identifier"]
	if !s.modes.Delete(identifier) {
		s.writeError(w, http.StatusNotFound, "No scenario override for "+identifier)
		return
	}
	s.updateModeGauge()
	logger.Info("HTTP API: Scenario override cleared", "identifier", identifier)
	s.writeJSON(w, http.StatusOK, modeResponse(identifier, s.modes.Decide(identifier)))
}

func (s *Server) handleExtendMode(w http.ResponseWriter, r *http.Request) {
	identifier := mux.Vars(r)["identifier"]

	var req ExtendModeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	add, err := helpers.ParseDuration(req.Add)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	a, err := s.modes.Extend(identifier, add)
	switch {
	case errors.Is(err, modestore.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "No scenario override for "+identifier)
		return
	case errors.Is(err, modestore.ErrInvalidExtension):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, modeResponse(identifier, modestore.Decision{
		Scenario:  a.Scenario,
		Source:    modestore.SourceOverride,
		Session:   a.Session,
		ExpiresAt: a.ExpiresAt,
	}))
}

func (s *Server) handleGetDefault(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"scenario": s.modes.Default()})
}

func (s *Server) handleSetDefault(w http.ResponseWriter, r *http.Request) {
	var req SetDefaultRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	scenario, err := modestore.ParseScenario(req.Scenario)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.modes.SetDefault(scenario); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logger.Info("HTTP API: Default scenario changed", "scenario", scenario)
	s.writeJSON(w, http.StatusOK, map[string]any{"scenario": scenario})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if (req.Identifier == "") != (req.Scenario == "") {
		s.writeError(w, http.StatusBadRequest, "identifier and scenario must be given together")
		return
	}

	token := resolver.NewToken()
	resp := CreateSessionResponse{Session: token, Username: resolver.Username(token)}
	if req.Identifier != "" {
		mode, status, err := s.arm(req.Identifier, req.Scenario, req.TTL, token)
		if err != nil {
			s.writeError(w, status, err.Error())
			return
		}
		resp.Mode = &mode
	}
	logger.Info("HTTP API: Session created", "session", token)
	s.writeJSON(w, http.StatusCreated, resp)
}

// sessionParams extracts and validates the session path variable and the
// optional protocol query parameter.
func (s *Server) sessionParams(w http.ResponseWriter, r *http.Request) (session, protocol string, ok bool) {
	session, ok = sessionToken(mux.Vars(r)["session"])
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid session token")
		return "", "", false
	}
	protocol = r.URL.Query().Get("protocol")
	switch protocol {
	case "", "smtp", "imap":
	default:
		s.writeError(w, http.StatusBadRequest, "protocol must be smtp or imap")
		return "", "", false
	}
	return session, protocol, true
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	session, protocol, ok := s.sessionParams(w, r)
	if !ok {
		return
	}
	events := eventlog.Collect(s.events.Query(r.Context(), session, protocol))
	if events == nil {
		events = []eventlog.Event{}
	}
	s.writeJSON(w, http.StatusOK, EventsResponse{Session: session, Protocol: protocol, Events: events})
}

func (s *Server) handleVerdict(w http.ResponseWriter, r *http.Request) {
	session, protocol, ok := s.sessionParams(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, VerdictResponse{
		Session:  session,
		Protocol: protocol,
		Result:   s.verdicts.Evaluate(r.Context(), session, protocol),
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	session, _, ok := s.sessionParams(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.verdicts.Report(r.Context(), session))
}

func (s *Server) handleObservation(w http.ResponseWriter, r *http.Request) {
	session, _, ok := s.sessionParams(w, r)
	if !ok {
		return
	}

	var req ObservationRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	obs := verdict.Observation{Protocol: req.Protocol, Note: req.Note}
	switch {
	case req.Skip:
		obs.Result = verdict.Skipped
	case req.Result == "":
		s.writeError(w, http.StatusBadRequest, "result is required")
		return
	default:
		v, err := verdict.ParseVerdict(req.Result)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		obs.Result = v
	}
	if err := obs.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	meta := eventlog.Meta{
		Protocol:   obs.Protocol,
		Scenario:   s.modes.Default(),
		ModeSource: modestore.SourceDefault,
	}
	ev := s.recorder.Record(r.Context(), meta, eventlog.KindObservation, false, session, obs.Attrs())
	obs.At = ev.Timestamp
	obs.EventID = ev.ID

	logger.Info("HTTP API: Observation recorded", "session", session, "protocol", obs.Protocol, "result", obs.Result)
	s.writeJSON(w, http.StatusCreated, obs)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	session, _, ok := s.sessionParams(w, r)
	if !ok {
		return
	}
	if s.archiver == nil {
		s.writeError(w, http.StatusServiceUnavailable, consts.ErrArchiveDisabled.Error())
		return
	}

	report := s.verdicts.Report(r.Context(), session)
	key, err := s.archiver.Archive(r.Context(), session, report, s.events.Query(r.Context(), session, ""))
	if err != nil {
		logger.Warn("HTTP API: Archive failed", "session", session, "request_id", requestID(r), "error", err)
		status := http.StatusBadGateway
		if errors.Is(err, consts.ErrSerializationFail) {
			status = http.StatusInternalServerError
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, ArchiveResponse{Session: session, Key: key})
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}
