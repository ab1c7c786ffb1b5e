package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/eventrelay/internal/core/domain"
)

const maxRequestBytes = 1 << 20

// EventRequest is one event posted to /v1/events. Timestamp defaults to the
// time the agent receives it.
type EventRequest struct {
	Name      string         `json:"name"`
	Params    *domain.Params `json:"params,omitempty"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
}

// EventsResponse reports how many posted events were queued.
type EventsResponse struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}

// EngageResponse carries one engagement result.
type EngageResponse struct {
	DecisionPoint string          `json:"decision_point"`
	Source        string          `json:"source"`
	Response      json.RawMessage `json:"response,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// FlushResponse summarizes an upload cycle.
type FlushResponse struct {
	Sent       int    `json:"sent"`
	Attempts   int    `json:"attempts"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

// handleEvents accepts a single event object or an array of them.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := decodeEvents(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		AddError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var resp EventsResponse
	full := false
	for _, ev := range events {
		b := s.relay.NewEvent(ev.Name).Params(ev.Params)
		if ev.Timestamp != nil {
			b.At(*ev.Timestamp)
		}
		if err := b.Record(r.Context()); err != nil {
			resp.Rejected++
			resp.Errors = append(resp.Errors, fmt.Sprintf("%s: %v", ev.Name, err))
			if errors.Is(err, domain.ErrStoreFull) {
				full = true
			}
			if errors.Is(err, domain.ErrNotInitialized) {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			continue
		}
		resp.Accepted++
	}

	AddLogField(r.Context(), "accepted", fmt.Sprint(resp.Accepted))
	status := http.StatusAccepted
	switch {
	case full:
		status = http.StatusInsufficientStorage
	case resp.Rejected > 0:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

func decodeEvents(r io.Reader) ([]EventRequest, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	var events []EventRequest
	if err := json.Unmarshal(raw, &events); err != nil {
		var single EventRequest
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, fmt.Errorf("invalid event body: %w", err)
		}
		events = []EventRequest{single}
	}
	if len(events) == 0 {
		return nil, errors.New("no events")
	}
	return events, nil
}

func (s *Server) handleEngage(w http.ResponseWriter, r *http.Request) {
	dp := chi.URLParam(r, "decisionPoint")
	AddLogField(r.Context(), "decision_point", dp)

	var params *domain.Params
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(raw) > 0 {
		params = domain.NewParams()
		if err := json.Unmarshal(raw, params); err != nil {
			AddError(r.Context(), err)
			http.Error(w, "parameters must be a JSON object", http.StatusBadRequest)
			return
		}
	}

	res := s.relay.Engage(r.Context(), dp, params)
	AddLogField(r.Context(), "source", string(res.Source))

	resp := EngageResponse{
		DecisionPoint: res.DecisionPoint,
		Source:        string(res.Source),
		Response:      res.Raw,
	}
	status := http.StatusOK
	if res.Err != nil {
		resp.Error = res.Err.Error()
		switch {
		case errors.Is(res.Err, domain.ErrInvalidDecisionPoint), errors.Is(res.Err, domain.ErrSerialization):
			status = http.StatusBadRequest
		case errors.Is(res.Err, domain.ErrEngagementInProgress):
			status = http.StatusConflict
		case errors.Is(res.Err, domain.ErrNotInitialized):
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	res, err := s.relay.Upload(r.Context())
	resp := FlushResponse{
		Sent:       res.Sent,
		Attempts:   res.Attempts,
		DurationMS: res.Duration.Milliseconds(),
	}
	status := http.StatusOK
	if err != nil {
		AddError(r.Context(), err)
		resp.Error = err.Error()
		switch {
		case errors.Is(err, domain.ErrUploadInProgress):
			status = http.StatusConflict
		case errors.Is(err, domain.ErrNetworkFailure):
			status = http.StatusBadGateway
		default:
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.relay.Status()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
