package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"healthtree/internal/domain"
	"healthtree/internal/engine"
)

func newAPIServer(t *testing.T) (*managerFixture, *httptest.Server) {
	t.Helper()
	fx := newManagerFixture(t, newStaticCatalog(chainEnvironment("prod", "sub-1", "")))
	mux := http.NewServeMux()
	registerAPI(mux, fx.manager)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return fx, server
}

func TestAPIListsAndSnapshotsEnvironments(t *testing.T) {
	t.Parallel()

	fx, server := newAPIServer(t)
	if _, err := fx.manager.SubmitAlerts(context.Background(), []domain.AlertEvent{alertFor("sub-1", "chk1", domain.StateWarning)}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	response, err := http.Get(server.URL + "/environments")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var summaries []Summary
	if err := json.NewDecoder(response.Body).Decode(&summaries); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	response.Body.Close()
	if len(summaries) != 1 || summaries[0].Name != "prod" || summaries[0].State != domain.StateWarning || summaries[0].PendingHistory != 5 {
		t.Fatalf("unexpected summaries: %+v", summaries)
	}

	response, err = http.Get(server.URL + "/environments/prod")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	var snapshot engine.Snapshot
	if err := json.NewDecoder(response.Body).Decode(&snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	response.Body.Close()
	if snapshot.State("C1") != domain.StateWarning {
		t.Fatalf("unexpected snapshot: %+v", snapshot.States)
	}

	response, err = http.Get(server.URL + "/environments/missing")
	if err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown environment, got %d", response.StatusCode)
	}
}

func TestAPIHistoryQuery(t *testing.T) {
	t.Parallel()

	fx, server := newAPIServer(t)
	if _, err := fx.manager.SubmitAlerts(context.Background(), []domain.AlertEvent{alertFor("sub-1", "chk1", domain.StateError)}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	query := url.Values{}
	query.Add("element_id", "C1")
	query.Set("include_checks", "true")
	response, err := http.Get(server.URL + "/environments/prod/history?" + query.Encode())
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var transitions []domain.StateTransition
	if err := json.NewDecoder(response.Body).Decode(&transitions); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	response.Body.Close()
	if len(transitions) != 2 {
		t.Fatalf("expected C1 and chk1, got %v", elementIDs(transitions))
	}

	cases := []struct {
		query  string
		status int
	}{
		{query: "start=yesterday", status: http.StatusBadRequest},
		{query: "include_checks=maybe", status: http.StatusBadRequest},
		{query: "element_id=nope", status: http.StatusNotFound},
		{query: "start=2025-03-02T00:00:00Z", status: http.StatusOK},
		{query: "start=2025-03-02T00:00:00Z&end=2025-03-01T00:00:00Z", status: http.StatusBadRequest},
	}
	for _, tc := range cases {
		response, err := http.Get(server.URL + "/environments/prod/history?" + tc.query)
		if err != nil {
			t.Fatalf("history %s: %v", tc.query, err)
		}
		response.Body.Close()
		if response.StatusCode != tc.status {
			t.Fatalf("history %s: expected %d, got %d", tc.query, tc.status, response.StatusCode)
		}
	}
}

func TestAPIReset(t *testing.T) {
	t.Parallel()

	fx, server := newAPIServer(t)
	if _, err := fx.manager.SubmitAlerts(context.Background(), []domain.AlertEvent{alertFor("sub-1", "chk1", domain.StateError)}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	response, err := http.Post(server.URL+"/environments/prod/reset?element_id=E", "application/json", nil)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
	snapshot, _ := fx.manager.Snapshot("prod")
	if snapshot.State("E") != domain.StateOk || snapshot.State("chk1") != domain.StateOk {
		t.Fatalf("expected tree reset, got %+v", snapshot.States)
	}

	response, err = http.Post(server.URL+"/environments/prod/reset", "application/json", nil)
	if err != nil {
		t.Fatalf("reset without element: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", response.StatusCode)
	}
}
