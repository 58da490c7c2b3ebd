package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/roman-kulish/transformer-harmonics/internal/diagnostics"
	"github.com/roman-kulish/transformer-harmonics/internal/harmonics"
	"github.com/roman-kulish/transformer-harmonics/internal/ingest"
	"github.com/roman-kulish/transformer-harmonics/internal/render"
	"github.com/roman-kulish/transformer-harmonics/internal/source"
	"github.com/roman-kulish/transformer-harmonics/internal/spectrum"
	"github.com/roman-kulish/transformer-harmonics/internal/storage"
)

// Error codes returned in the "error" field of failed API calls
const (
	CodeConnectionFailed    = "connection failed"
	CodeInsufficientSamples = "insufficient_samples"
	CodeDegenerateSpectrum  = "degenerate_spectrum"
	CodeInvalidRequest      = "invalid_request"
	CodeNotFound            = "not_found"
	CodeHistoryDisabled     = "history_disabled"
	CodeInternal            = "internal"
)

type apiError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

// runError maps a failed diagnostics run to its HTTP status and error body.
func runError(err error) (int, apiError) {
	switch {
	case errors.Is(err, diagnostics.ErrNoData):
		return http.StatusServiceUnavailable, apiError{CodeConnectionFailed, diagnostics.ConnectionFailedMessage}
	case errors.Is(err, spectrum.ErrInsufficientSamples):
		return http.StatusUnprocessableEntity, apiError{CodeInsufficientSamples, err.Error()}
	case errors.Is(err, harmonics.ErrDegenerateSpectrum):
		return http.StatusUnprocessableEntity, apiError{CodeDegenerateSpectrum, err.Error()}
	default:
		return http.StatusInternalServerError, apiError{CodeInternal, err.Error()}
	}
}

type statusResponse struct {
	Source   source.State   `json:"source"`
	Receiver *ingest.Status `json:"receiver,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, e apiError) {
	writeJSON(w, status, e)
}

func (s *Server) run(w http.ResponseWriter) (*diagnostics.Report, bool) {
	report, err := s.session.Run()
	if err != nil {
		status, e := runError(err)
		if status == http.StatusInternalServerError {
			s.logger.Error(fmt.Sprintf("diagnostics failed: %s", err.Error()))
		}
		writeError(w, status, e)
		return nil, false
	}
	return report, true
}

// handleReport handles GET /api/report
func (s *Server) handleReport(w http.ResponseWriter, _ *http.Request) {
	if report, ok := s.run(w); ok {
		writeJSON(w, http.StatusOK, report)
	}
}

// handleReportText handles GET /api/report.txt
func (s *Server) handleReportText(w http.ResponseWriter, _ *http.Request) {
	report, err := s.session.Run()
	if err != nil {
		status, e := runError(err)
		http.Error(w, e.Message, status)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, report.Text())
}

// handleReportImage handles GET /api/report.{png,jpeg}
func (s *Server) handleReportImage(w http.ResponseWriter, r *http.Request) {
	format, err := render.ParseImageFormat(mux.Vars(r)["format"])
	if err != nil {
		writeError(w, http.StatusBadRequest, apiError{CodeInvalidRequest, err.Error()})
		return
	}

	report, ok := s.run(w)
	if !ok {
		return
	}

	img, err := s.renderer.Render(report)
	if err != nil {
		s.logger.Error(fmt.Sprintf("rendering report: %s", err.Error()))
		writeError(w, http.StatusInternalServerError, apiError{CodeInternal, err.Error()})
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	if err = render.Encode(w, img, format); err != nil {
		s.logger.Warn(fmt.Sprintf("writing image: %s", err.Error()))
	}
}

// handleStatus handles GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) status() statusResponse {
	resp := statusResponse{Source: s.slot.State()}
	if s.receiver != nil {
		st := s.receiver.Status()
		resp.Receiver = &st
	}
	return resp
}

// handleHistory handles GET /api/history?limit=N&from=RFC3339&to=RFC3339
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, apiError{CodeHistoryDisabled, "report history is disabled"})
		return
	}

	opts, err := historyOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, apiError{CodeInvalidRequest, err.Error()})
		return
	}

	records, err := s.store.Reports(r.Context(), opts...)
	if err != nil {
		s.logger.Error(fmt.Sprintf("reading history: %s", err.Error()))
		writeError(w, http.StatusInternalServerError, apiError{CodeInternal, err.Error()})
		return
	}
	if records == nil {
		records = []*storage.Record{}
	}

	writeJSON(w, http.StatusOK, records)
}

func historyOptions(r *http.Request) ([]storage.QueryOption, error) {
	q := r.URL.Query()

	var opts []storage.QueryOption
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return nil, fmt.Errorf("invalid limit '%s'", v)
		}
		opts = append(opts, storage.WithLimit(limit))
	}

	var from, to time.Time
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{
		{"from", &from},
		{"to", &to},
	} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s time '%s'", p.name, v)
		}
		*p.dst = t
	}

	if !from.IsZero() {
		opts = append(opts, storage.WithStartTime(from))
	}
	if !to.IsZero() {
		if to.Before(from) {
			return nil, fmt.Errorf("from time %s is after to time %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
		}
		opts = append(opts, storage.WithEndTime(to))
	}

	return opts, nil
}

// handleHistoryReport handles GET /api/history/{id}
func (s *Server) handleHistoryReport(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, apiError{CodeHistoryDisabled, "report history is disabled"})
		return
	}

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, apiError{CodeInvalidRequest, "invalid report id"})
		return
	}

	record, err := s.store.Report(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, apiError{CodeNotFound, err.Error()})
		return
	}
	if err != nil {
		s.logger.Error("reading report", slog.String("id", id.String()), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, apiError{CodeInternal, err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, record)
}
