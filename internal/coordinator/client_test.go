package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// fakeCoordinator records API calls and hands out queued tasks.
type fakeCoordinator struct {
	mu         sync.Mutex
	registered map[string]any
	heartbeats int
	results    []TaskResult
	tasks      []Task
}

func (f *fakeCoordinator) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/register", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewDecoder(r.Body).Decode(&f.registered)
	})
	mux.HandleFunc("/api/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.heartbeats++
	})
	mux.HandleFunc("/api/tasks/next", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.tasks) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		task := f.tasks[0]
		f.tasks = f.tasks[1:]
		json.NewEncoder(w).Encode(task)
	})
	mux.HandleFunc("/api/tasks/result", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var result TaskResult
		json.NewDecoder(r.Body).Decode(&result)
		f.results = append(f.results, result)
	})
	mux.HandleFunc("/api/unregister", func(w http.ResponseWriter, r *http.Request) {})
	return mux
}

func newFake(t *testing.T) (*fakeCoordinator, *Client) {
	t.Helper()
	fake := &fakeCoordinator{}
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)
	return fake, NewClient(server.URL, "host_abcd1234", "1.0.1")
}

func TestRegisterSendsCapabilities(t *testing.T) {
	fake, client := newFake(t)
	if err := client.Register(context.Background()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.registered["agent_id"] != "host_abcd1234" {
		t.Fatalf("registered agent_id = %v", fake.registered["agent_id"])
	}
	if fake.registered["cpu_cores"] == nil {
		t.Fatal("registration should carry cpu_cores")
	}
}

func TestNextTaskEmptyQueue(t *testing.T) {
	_, client := newFake(t)
	task, err := client.NextTask(context.Background())
	if err != nil {
		t.Fatalf("NextTask failed: %v", err)
	}
	if task != nil {
		t.Fatalf("task = %+v, want nil for empty queue", task)
	}
}

func TestPollExecuteSubmitRoundTrip(t *testing.T) {
	fake, client := newFake(t)
	fake.tasks = []Task{{ID: "t1", Type: "compute", Params: map[string]any{"n": float64(5)}}}

	task, err := client.NextTask(context.Background())
	if err != nil {
		t.Fatalf("NextTask failed: %v", err)
	}
	if task == nil || task.ID != "t1" {
		t.Fatalf("task = %+v, want t1", task)
	}

	result := client.Execute(context.Background(), *task)
	if result.Status != StatusCompleted {
		t.Fatalf("Status = %q (%s)", result.Status, result.Error)
	}
	// 0+1+4+9+16
	if result.Result["result"] != int64(30) {
		t.Fatalf("compute result = %v, want 30", result.Result["result"])
	}

	if err := client.SubmitResult(context.Background(), result); err != nil {
		t.Fatalf("SubmitResult failed: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.results) != 1 || fake.results[0].TaskID != "t1" {
		t.Fatalf("submitted results = %+v", fake.results)
	}
	if fake.results[0].AgentID != "host_abcd1234" {
		t.Fatalf("result agent_id = %q", fake.results[0].AgentID)
	}
}

func TestExecutePing(t *testing.T) {
	_, client := newFake(t)
	result := client.Execute(context.Background(), Task{ID: "t2", Type: "ping"})
	if result.Status != StatusCompleted {
		t.Fatalf("Status = %q", result.Status)
	}
	if result.Result["message"] != "pong" {
		t.Fatalf("Result = %v", result.Result)
	}
}

func TestExecuteInfo(t *testing.T) {
	_, client := newFake(t)
	result := client.Execute(context.Background(), Task{ID: "t3", Type: "info"})
	if result.Status != StatusCompleted {
		t.Fatalf("Status = %q", result.Status)
	}
	if result.Result["agent_id"] != "host_abcd1234" {
		t.Fatalf("Result = %v", result.Result)
	}
}

func TestExecuteUnknownTypeFailsTask(t *testing.T) {
	_, client := newFake(t)
	result := client.Execute(context.Background(), Task{ID: "t4", Type: "format_disk"})
	if result.Status != StatusFailed {
		t.Fatalf("Status = %q, want %q", result.Status, StatusFailed)
	}
	if result.Error == "" {
		t.Fatal("failed result should carry an error")
	}
}

func TestComputeDefaultsTo100(t *testing.T) {
	result := computeSumOfSquares(nil)
	// sum of i^2 for i in [0,100) = 328350
	if result["result"] != int64(328350) {
		t.Fatalf("result = %v, want 328350", result["result"])
	}
}
