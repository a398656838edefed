package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"healthtree/internal/domain"
)

type httpTestSink struct {
	calls      int
	events     []domain.AlertEvent
	rejectIDs  map[string]bool
	err        error
	heartbeats []string
}

func (s *httpTestSink) SubmitAlerts(_ context.Context, events []domain.AlertEvent) (domain.BatchResult, error) {
	s.calls++
	if s.err != nil {
		return domain.BatchResult{}, s.err
	}
	var result domain.BatchResult
	for i, event := range events {
		if s.rejectIDs[event.ComponentID] {
			result.Reject(i, event, domain.NewError(domain.KindUnknownElement, "route alert", fmt.Errorf("unknown element %q", event.ComponentID)))
			continue
		}
		s.events = append(s.events, event)
		result.Accepted++
	}
	return result, nil
}

func (s *httpTestSink) RecordHeartbeat(_ context.Context, subscriptionID string) error {
	if subscriptionID == "missing" {
		return domain.NewError(domain.KindUnknownEnvironment, "heartbeat", errors.New("no such environment"))
	}
	s.heartbeats = append(s.heartbeats, subscriptionID)
	return nil
}

func TestHTTPHandlerAcceptsSingleAlert(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	handler := NewHTTPHandler(sink, 1<<20)
	request := httptest.NewRequest(http.MethodPost, "/alerts", strings.NewReader(testAlertJSON("chk1")))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, response.Code)
	}
	if sink.calls != 1 || len(sink.events) != 1 {
		t.Fatalf("unexpected sink calls=%d events=%d", sink.calls, len(sink.events))
	}
	var result domain.BatchResult
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil || result.Accepted != 1 {
		t.Fatalf("unexpected result %+v err=%v", result, err)
	}
}

func TestHTTPHandlerReportsPartialFailure(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{rejectIDs: map[string]bool{"ghost": true}}
	handler := NewHTTPHandler(sink, 1<<20)
	payload := fmt.Sprintf("[%s,%s,%s]", testAlertJSON("chk1"), testAlertJSON("ghost"), testAlertJSON("chk2"))
	request := httptest.NewRequest(http.MethodPost, "/alerts", strings.NewReader(payload))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusMultiStatus {
		t.Fatalf("expected status %d, got %d", http.StatusMultiStatus, response.Code)
	}
	var result domain.BatchResult
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Accepted != 2 || len(result.Rejected) != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Rejected[0].Index != 1 || result.Rejected[0].Kind != domain.KindUnknownElement {
		t.Fatalf("unexpected rejection %+v", result.Rejected[0])
	}
}

func TestHTTPHandlerAllRejected(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{rejectIDs: map[string]bool{"ghost": true}}
	handler := NewHTTPHandler(sink, 1<<20)
	request := httptest.NewRequest(http.MethodPost, "/alerts", strings.NewReader(testAlertJSON("ghost")))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status %d, got %d", http.StatusUnprocessableEntity, response.Code)
	}
}

func TestHTTPHandlerAppliesGoodAlertsOfMalformedBatch(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	handler := NewHTTPHandler(sink, 1<<20)
	payload := fmt.Sprintf(`[%s,{"record_id":"r-bad","component_id":"chk3","state":["error"]},%s]`, testAlertJSON("chk1"), testAlertJSON("chk2"))
	request := httptest.NewRequest(http.MethodPost, "/alerts", strings.NewReader(payload))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusMultiStatus {
		t.Fatalf("expected status %d, got %d", http.StatusMultiStatus, response.Code)
	}
	if len(sink.events) != 2 || sink.events[1].ComponentID != "chk2" {
		t.Fatalf("expected good alerts forwarded, got %+v", sink.events)
	}
	var result domain.BatchResult
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Accepted != 2 || len(result.Rejected) != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	rejection := result.Rejected[0]
	if rejection.Index != 1 || rejection.Kind != domain.KindValidation || rejection.RecordID != "r-bad" {
		t.Fatalf("unexpected rejection %+v", rejection)
	}
}

func TestHTTPHandlerAllElementsUndecodable(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	handler := NewHTTPHandler(sink, 1<<20)
	request := httptest.NewRequest(http.MethodPost, "/alerts", strings.NewReader(`[{"state":1},{"time_generated":"noon"}]`))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status %d, got %d", http.StatusUnprocessableEntity, response.Code)
	}
	if sink.calls != 0 {
		t.Fatalf("unexpected sink calls=%d", sink.calls)
	}
}

func TestHTTPHandlerRejectsInvalidBatch(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	handler := NewHTTPHandler(sink, 1<<20)
	request := httptest.NewRequest(http.MethodPost, "/alerts", strings.NewReader("[]"))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, response.Code)
	}
	if sink.calls != 0 {
		t.Fatalf("unexpected sink calls=%d", sink.calls)
	}
}

func TestHTTPHandlerReturnsServiceUnavailableOnSinkError(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{err: domain.ErrEnvironmentClosed}
	handler := NewHTTPHandler(sink, 1<<20)
	request := httptest.NewRequest(http.MethodPost, "/alerts", strings.NewReader(testAlertJSON("chk1")))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, response.Code)
	}
}

func TestHTTPHandlerRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	handler := NewHTTPHandler(&httpTestSink{}, 16)
	request := httptest.NewRequest(http.MethodPost, "/alerts", strings.NewReader(testAlertJSON("chk1")))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, response.Code)
	}
}

func TestHeartbeatHandler(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	handler := NewHeartbeatHandler(sink)

	response := httptest.NewRecorder()
	handler.ServeHTTP(response, httptest.NewRequest(http.MethodPost, "/heartbeat?subscription_id=sub-1", nil))
	if response.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, response.Code)
	}

	response = httptest.NewRecorder()
	handler.ServeHTTP(response, httptest.NewRequest(http.MethodPost, "/heartbeat", strings.NewReader(`{"subscription_id":"sub-2"}`)))
	if response.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, response.Code)
	}
	if len(sink.heartbeats) != 2 || sink.heartbeats[1] != "sub-2" {
		t.Fatalf("unexpected heartbeats %v", sink.heartbeats)
	}

	response = httptest.NewRecorder()
	handler.ServeHTTP(response, httptest.NewRequest(http.MethodPost, "/heartbeat?subscription_id=missing", nil))
	if response.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, response.Code)
	}

	response = httptest.NewRecorder()
	handler.ServeHTTP(response, httptest.NewRequest(http.MethodPost, "/heartbeat", nil))
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, response.Code)
	}
}

func testAlertJSON(componentID string) string {
	return fmt.Sprintf(`{"record_id":"r-%s","alert_name":"latency","subscription_id":"sub-1","component_id":"%s","check_id":"%s","description":"slow","state":"warning","source_timestamp":"2025-03-01T12:00:00Z"}`, componentID, componentID, componentID)
}
