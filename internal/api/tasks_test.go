package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/seantiz/shopagent/internal/model"
)

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// failTask drives a queued task through one failed attempt.
func failTask(t *testing.T, srv *Server, id string) {
	t.Helper()
	ctx := context.Background()
	claimed, err := srv.store.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed.ID != id {
		t.Fatalf("claimed %s, want %s", claimed.ID, id)
	}
	run, err := srv.store.CreateRun(ctx, id, "w-test")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := srv.store.FinishRun(ctx, run.ID, nil, "boom"); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if err := srv.store.FinalizeTask(ctx, id, model.StatusFailed, "boom"); err != nil {
		t.Fatalf("FinalizeTask: %v", err)
	}
}

func TestCreateTask(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/tasks", map[string]any{
		"shop_id":  "shop-1",
		"action":   "fetch_ads_summary",
		"payload":  map[string]any{"date_range": "7days"},
		"priority": 5,
		"dry_run":  true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var task model.Task
	decodeBody(t, resp, &task)

	if task.ID == "" {
		t.Error("expected non-empty ID")
	}
	if task.Status != model.StatusQueued {
		t.Errorf("status = %q, want %q", task.Status, model.StatusQueued)
	}
	if task.Priority != 5 || !task.DryRun {
		t.Errorf("priority = %d, dry_run = %v; want 5, true", task.Priority, task.DryRun)
	}
	if task.Payload["date_range"] != "7days" {
		t.Errorf("payload = %v, want date_range 7days", task.Payload)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing shop", map[string]any{"action": "fetch_ads_summary"}},
		{"blank shop", map[string]any{"shop_id": "  ", "action": "fetch_ads_summary"}},
		{"unknown action", map[string]any{"shop_id": "s", "action": "delete_shop"}},
		{"bad date range", map[string]any{"shop_id": "s", "action": "fetch_ads_summary", "payload": map[string]any{"date_range": "year"}}},
		{"unknown field", map[string]any{"shop_id": "s", "action": "fetch_ads_summary", "payload": map[string]any{"range": "today"}}},
		{"title without product", map[string]any{"shop_id": "s", "action": "update_title", "payload": map[string]any{"new_title": "x"}}},
		{"limit too large", map[string]any{"shop_id": "s", "action": "fetch_product_snapshot", "payload": map[string]any{"limit": 500}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/v1/tasks", tt.body)
			var body map[string]string
			decodeBody(t, resp, &body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			if body["error"] == "" {
				t.Error("expected error message")
			}
		})
	}

	stats, err := srv.store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("total = %d, want 0 after rejected requests", stats.Total)
	}
}

func TestCreateTaskInvalidJSON(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/tasks", "application/json", bytes.NewBufferString("{"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetTask(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var created model.Task
	decodeBody(t, postJSON(t, ts.URL+"/v1/tasks", map[string]any{
		"shop_id": "shop-1",
		"action":  "fetch_product_snapshot",
	}), &created)

	resp, err := http.Get(ts.URL + "/v1/tasks/" + created.ID)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got model.Task
	decodeBody(t, resp, &got)
	if got.ID != created.ID || got.Action != "fetch_product_snapshot" {
		t.Errorf("got %+v, want task %s", got, created.ID)
	}

	resp, err = http.Get(ts.URL + "/v1/tasks/missing")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListTasks(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, shop := range []string{"a", "a", "b"} {
		resp := postJSON(t, ts.URL+"/v1/tasks", map[string]any{"shop_id": shop, "action": "fetch_ads_summary"})
		resp.Body.Close()
	}

	tests := []struct {
		query     string
		wantCount int
		wantTotal int
	}{
		{"", 3, 3},
		{"?shop_id=a", 2, 2},
		{"?status=queued&shop_id=b", 1, 1},
		{"?status=failed", 0, 0},
		{"?limit=2", 2, 3},
		{"?limit=2&offset=2", 1, 3},
		{"?limit=-1", 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			resp, err := http.Get(ts.URL + "/v1/tasks" + tt.query)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			var body listTasksResponse
			decodeBody(t, resp, &body)
			if len(body.Tasks) != tt.wantCount {
				t.Errorf("tasks = %d, want %d", len(body.Tasks), tt.wantCount)
			}
			if body.Total != tt.wantTotal {
				t.Errorf("total = %d, want %d", body.Total, tt.wantTotal)
			}
		})
	}
}

func TestListTasksInvalidStatus(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/tasks?status=done")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRequeueTask(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var created model.Task
	decodeBody(t, postJSON(t, ts.URL+"/v1/tasks", map[string]any{"shop_id": "s", "action": "fetch_ads_summary"}), &created)

	// Queued tasks cannot be requeued.
	resp := postJSON(t, ts.URL+"/v1/tasks/"+created.ID+"/requeue", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}

	failTask(t, srv, created.ID)

	resp = postJSON(t, ts.URL+"/v1/tasks/"+created.ID+"/requeue", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got model.Task
	decodeBody(t, resp, &got)
	if got.Status != model.StatusQueued {
		t.Errorf("status = %q, want %q", got.Status, model.StatusQueued)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", got.RetryCount)
	}

	resp = postJSON(t, ts.URL+"/v1/tasks/missing/requeue", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
