package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"healthtree/internal/domain"
	"healthtree/internal/history"
)

// registerAPI wires read/query and reset endpoints of environments.
// Params: router and environment manager.
// Returns: none.
func registerAPI(mux *http.ServeMux, manager *Manager) {
	mux.HandleFunc("GET /environments", func(writer http.ResponseWriter, _ *http.Request) {
		writeJSON(writer, http.StatusOK, manager.List())
	})
	mux.HandleFunc("GET /environments/{name}", func(writer http.ResponseWriter, request *http.Request) {
		snapshot, err := manager.Snapshot(request.PathValue("name"))
		if err != nil {
			writeKindError(writer, err)
			return
		}
		writeJSON(writer, http.StatusOK, snapshot)
	})
	mux.HandleFunc("GET /environments/{name}/history", func(writer http.ResponseWriter, request *http.Request) {
		filter, err := parseHistoryFilter(request)
		if err != nil {
			writeError(writer, http.StatusBadRequest, err)
			return
		}
		transitions, err := manager.QueryHistory(request.Context(), request.PathValue("name"), filter)
		if err != nil {
			writeKindError(writer, err)
			return
		}
		if transitions == nil {
			transitions = []domain.StateTransition{}
		}
		writeJSON(writer, http.StatusOK, transitions)
	})
	mux.HandleFunc("POST /environments/{name}/reset", func(writer http.ResponseWriter, request *http.Request) {
		elementID := strings.TrimSpace(request.URL.Query().Get("element_id"))
		if elementID == "" {
			writeError(writer, http.StatusBadRequest, errors.New("element_id is required"))
			return
		}
		transitions, err := manager.Reset(request.Context(), request.PathValue("name"), elementID)
		if err != nil {
			writeKindError(writer, err)
			return
		}
		if transitions == nil {
			transitions = []domain.StateTransition{}
		}
		writeJSON(writer, http.StatusOK, transitions)
	})
}

// parseHistoryFilter reads element_id (repeatable), start, end (RFC3339), and include_checks.
func parseHistoryFilter(request *http.Request) (history.Filter, error) {
	query := request.URL.Query()
	var filter history.Filter
	for _, id := range query["element_id"] {
		if id = strings.TrimSpace(id); id != "" {
			filter.ElementIDs = append(filter.ElementIDs, id)
		}
	}
	var err error
	if filter.Start, err = parseTimeParam(query.Get("start")); err != nil {
		return history.Filter{}, fmt.Errorf("start: %w", err)
	}
	if filter.End, err = parseTimeParam(query.Get("end")); err != nil {
		return history.Filter{}, fmt.Errorf("end: %w", err)
	}
	if !filter.Start.IsZero() && !filter.End.IsZero() && filter.End.Before(filter.Start) {
		return history.Filter{}, errors.New("end is before start")
	}
	if raw := strings.TrimSpace(query.Get("include_checks")); raw != "" {
		if filter.IncludeChecks, err = strconv.ParseBool(raw); err != nil {
			return history.Filter{}, fmt.Errorf("include_checks: %w", err)
		}
	}
	return filter, nil
}

func parseTimeParam(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

// writeKindError maps classified engine error to HTTP status.
func writeKindError(writer http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch domain.KindOf(err) {
	case domain.KindUnknownEnvironment, domain.KindUnknownElement:
		status = http.StatusNotFound
	case domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindPersistence:
		status = http.StatusServiceUnavailable
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrEnvironmentClosed):
		status = http.StatusServiceUnavailable
	}
	writeError(writer, status, err)
}

func writeJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(payload)
}

func writeError(writer http.ResponseWriter, status int, err error) {
	writeJSON(writer, status, map[string]string{"error": err.Error()})
}
