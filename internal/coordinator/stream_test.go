package coordinator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{}

func TestStreamExecutesPushedTask(t *testing.T) {
	results := make(chan TaskResult, 16)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		task, _ := json.Marshal(Task{ID: "t1", Type: "ping"})
		if err := conn.WriteMessage(websocket.TextMessage, task); err != nil {
			return
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var res TaskResult
		if err := json.Unmarshal(msg, &res); err != nil {
			return
		}
		select {
		case results <- res:
		default:
		}
	}))
	defer server.Close()

	s := NewStream(server.URL, "agent-1", func(task Task) TaskResult {
		return TaskResult{TaskID: task.ID, AgentID: "agent-1", Status: StatusCompleted}
	})
	go s.Start()
	defer s.Stop()

	select {
	case res := <-results:
		if res.TaskID != "t1" || res.Status != StatusCompleted {
			t.Fatalf("result = %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no result received over the stream")
	}
}

func TestStreamCapsInflightPushedTasks(t *testing.T) {
	const extra = 3
	started := make(chan string, maxInflightTasks+extra)
	release := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for i := 0; i < maxInflightTasks+extra; i++ {
			task, _ := json.Marshal(Task{ID: fmt.Sprintf("t%d", i), Type: "ping"})
			if err := conn.WriteMessage(websocket.TextMessage, task); err != nil {
				return
			}
		}

		// Hold the connection open until the client shuts down.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	s := NewStream(server.URL, "agent-1", func(task Task) TaskResult {
		started <- task.ID
		<-release
		return TaskResult{TaskID: task.ID, Status: StatusCompleted}
	})
	go s.Start()
	defer s.Stop()
	defer close(release)

	deadline := time.After(5 * time.Second)
	for i := 0; i < maxInflightTasks; i++ {
		select {
		case <-started:
		case <-deadline:
			t.Fatalf("only %d of %d tasks started", i, maxInflightTasks)
		}
	}

	// Tasks beyond the cap are dropped, not queued behind it.
	select {
	case id := <-started:
		t.Fatalf("task %s started beyond the in-flight cap", id)
	case <-time.After(200 * time.Millisecond):
	}
}
