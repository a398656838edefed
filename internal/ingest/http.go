package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"healthtree/internal/domain"
)

// AlertSink routes decoded alert batches into environment engines.
// Params: request context and alerts in arrival order.
// Returns: per-alert accounting; error only when batch could not be processed at all.
type AlertSink interface {
	SubmitAlerts(ctx context.Context, events []domain.AlertEvent) (domain.BatchResult, error)
}

// HeartbeatSink records liveness of one environment's alert pipeline.
type HeartbeatSink interface {
	RecordHeartbeat(ctx context.Context, subscriptionID string) error
}

// HTTPHandler decodes JSON alerts and forwards them to sink.
// Params: sink receives decoded alerts, max body limits payload size.
// Returns: HTTP handler for alert ingest endpoint.
type HTTPHandler struct {
	sink        AlertSink
	maxBodySize int64
}

// NewHTTPHandler creates ingest HTTP handler.
// Params: sink and max request body size in bytes.
// Returns: configured handler.
func NewHTTPHandler(sink AlertSink, maxBodySize int64) *HTTPHandler {
	return &HTTPHandler{sink: sink, maxBodySize: maxBodySize}
}

// ServeHTTP handles one alert object or alert array.
// Params: HTTP request/response writer pair.
// Returns: 200 with batch result when every alert applied, 207 on partial rejection, 4xx/5xx on request failure.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writeError(writer, http.StatusRequestEntityTooLarge, err)
		return
	}

	scratch := acquireDecodeScratch()
	defer releaseDecodeScratch(scratch)
	batch, err := decodeAlertPayloadInto(body, scratch)
	if err != nil {
		writeError(writer, http.StatusBadRequest, err)
		return
	}

	result, err := submitDecoded(request.Context(), h.sink, batch)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		writeError(writer, status, err)
		return
	}
	status := http.StatusOK
	if len(result.Rejected) > 0 {
		status = http.StatusMultiStatus
		if len(result.Rejected) == batch.total {
			status = http.StatusUnprocessableEntity
		}
	}
	writeJSON(writer, status, result)
}

// HeartbeatHandler records heartbeat pings for one environment.
type HeartbeatHandler struct {
	sink HeartbeatSink
}

// NewHeartbeatHandler creates heartbeat endpoint handler.
func NewHeartbeatHandler(sink HeartbeatSink) *HeartbeatHandler {
	return &HeartbeatHandler{sink: sink}
}

// ServeHTTP accepts POST with ?subscription_id= or JSON body {"subscription_id": "..."}.
func (h *HeartbeatHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	subscriptionID := strings.TrimSpace(request.URL.Query().Get("subscription_id"))
	if subscriptionID == "" && request.Body != nil {
		var payload struct {
			SubscriptionID string `json:"subscription_id"`
		}
		body, err := io.ReadAll(io.LimitReader(request.Body, 4096))
		if err == nil && len(strings.TrimSpace(string(body))) > 0 {
			if err := json.Unmarshal(body, &payload); err != nil {
				writeError(writer, http.StatusBadRequest, err)
				return
			}
		}
		subscriptionID = strings.TrimSpace(payload.SubscriptionID)
	}
	if subscriptionID == "" {
		writeError(writer, http.StatusBadRequest, errors.New("subscription_id is required"))
		return
	}
	if err := h.sink.RecordHeartbeat(request.Context(), subscriptionID); err != nil {
		status := http.StatusServiceUnavailable
		if domain.KindOf(err) == domain.KindUnknownEnvironment {
			status = http.StatusNotFound
		}
		writeError(writer, status, err)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

func writeJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(payload)
}

func writeError(writer http.ResponseWriter, status int, err error) {
	writeJSON(writer, status, map[string]string{"error": err.Error()})
}
