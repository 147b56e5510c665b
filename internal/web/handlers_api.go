package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"madoka-go-home/internal/controller"
)

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.unit.Status())
}

// refreshResponse carries the snapshot even when some features failed.
type refreshResponse struct {
	Status controller.Status `json:"status"`
	Error  string            `json:"error,omitempty"`
	Kind   string            `json:"kind,omitempty"`
}

func (s *Server) handleAPIRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.unitContext(r)
	defer cancel()

	st, err := s.unit.Refresh(ctx)
	if err != nil && st.Empty() {
		s.writeUnitError(w, "refresh", err)
		return
	}
	resp := refreshResponse{Status: st}
	if err != nil {
		resp.Error = err.Error()
		resp.Kind = controller.Classify(err).String()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAPIInfo(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.unitContext(r)
	defer cancel()

	info, err := s.unit.ReadInfo(ctx)
	if err != nil {
		s.writeUnitError(w, "read info", err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAPIState(w http.ResponseWriter, r *http.Request) {
	st := s.unit.State()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"address":   s.unit.Address(),
		"state":     st.String(),
		"connected": st.Connected(),
	})
}

type featureView struct {
	Name      string `json:"name"`
	Queryable bool   `json:"queryable"`
	Updatable bool   `json:"updatable"`
}

func (s *Server) handleAPIListFeatures(w http.ResponseWriter, r *http.Request) {
	names := s.unit.Features()
	views := make([]featureView, 0, len(names))
	for _, name := range names {
		f, ok := s.unit.Feature(name)
		if !ok {
			continue
		}
		views = append(views, featureView{Name: name, Queryable: f.Queryable(), Updatable: f.Updatable()})
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIQueryFeature(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	f, ok := s.unit.Feature(name)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown feature"})
		return
	}

	ctx, cancel := s.unitContext(r)
	defer cancel()
	v, err := f.QueryValue(ctx)
	if err != nil {
		s.writeUnitError(w, "query "+name, err)
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleAPIUpdateFeature(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	f, ok := s.unit.Feature(name)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown feature"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil || (len(body) > 0 && !json.Valid(body)) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	ctx, cancel := s.unitContext(r)
	defer cancel()
	v, err := f.UpdateJSON(ctx, body)
	if err != nil {
		s.writeUnitError(w, "update "+name, err)
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

// handleAPIHistory serves stored snapshots, newest first. Query parameters:
// since (RFC 3339) and limit (default 100, 0 for all).
func (s *Server) handleAPIHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeJSON(w, http.StatusOK, []controller.Status{})
		return
	}

	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be RFC 3339"})
			return
		}
		since = t
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	snaps, err := s.history.History(s.unit.Address(), since, limit)
	if err != nil {
		s.logger.Error("read history", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if snaps == nil {
		snaps = []controller.Status{}
	}
	s.writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

// writeUnitError maps a controller error to an HTTP status by its kind.
func (s *Server) writeUnitError(w http.ResponseWriter, op string, err error) {
	kind := controller.Classify(err)
	status := http.StatusInternalServerError
	switch {
	case kind == controller.KindInput:
		status = http.StatusBadRequest
	case kind == controller.KindDevice:
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case kind == controller.KindUnreachable:
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warn(op+" failed", "err", err, "kind", kind)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error(), "kind": kind.String()})
}
