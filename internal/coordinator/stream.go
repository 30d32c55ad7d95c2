package coordinator

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alpha-agent/agent/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3
	// maxInflightTasks caps concurrent pushed-task execution the way the
	// worker pool caps polled tasks.
	maxInflightTasks = 8
)

// TaskHandler processes a task pushed over the stream.
type TaskHandler func(task Task) TaskResult

// Stream keeps a WebSocket connection to the coordinator so tasks can
// be pushed instead of polled. The connection is re-established with
// jittered exponential backoff whenever it drops.
type Stream struct {
	coordinatorURL string
	agentID        string
	handler        TaskHandler

	conn      *websocket.Conn
	connMu    sync.RWMutex
	done      chan struct{}
	sendChan  chan []byte
	taskSem   chan struct{}
	stopOnce  sync.Once
	isRunning bool
	runningMu sync.RWMutex
}

// NewStream creates a Stream. Start must be called to connect.
func NewStream(coordinatorURL, agentID string, handler TaskHandler) *Stream {
	return &Stream{
		coordinatorURL: coordinatorURL,
		agentID:        agentID,
		handler:        handler,
		done:           make(chan struct{}),
		sendChan:       make(chan []byte, 256),
		taskSem:        make(chan struct{}, maxInflightTasks),
	}
}

// Start runs the stream until Stop is called. It blocks; run it in a
// goroutine.
func (s *Stream) Start() {
	s.runningMu.Lock()
	if s.isRunning {
		s.runningMu.Unlock()
		return
	}
	s.isRunning = true
	s.runningMu.Unlock()

	s.reconnectLoop()
}

// Stop closes the connection and ends the reconnect loop.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		s.runningMu.Lock()
		s.isRunning = false
		s.runningMu.Unlock()

		close(s.done)

		s.connMu.Lock()
		if s.conn != nil {
			s.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			s.conn.Close()
			s.conn = nil
		}
		s.connMu.Unlock()

		log.Info("task stream stopped")
	})
}

func (s *Stream) connect() error {
	wsURL, err := s.buildWSURL()
	if err != nil {
		return fmt.Errorf("failed to build stream URL: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	conn.SetReadLimit(maxMessageSize)
	log.Info("task stream connected", "coordinator", s.coordinatorURL)
	return nil
}

func (s *Stream) buildWSURL() (string, error) {
	base, err := url.Parse(s.coordinatorURL)
	if err != nil {
		return "", err
	}

	switch base.Scheme {
	case "https":
		base.Scheme = "wss"
	case "http":
		base.Scheme = "ws"
	}

	base.Path = fmt.Sprintf("/api/agents/%s/ws", s.agentID)
	return base.String(), nil
}

func (s *Stream) reconnectLoop() {
	backoff := initialBackoff

	for {
		select {
		case <-s.done:
			return
		default:
		}

		if err := s.connect(); err != nil {
			log.Warn("stream connection failed", logging.KeyError, err)

			jitter := time.Duration(float64(backoff) * jitterFactor * (rand.Float64()*2 - 1))
			sleep := backoff + jitter
			if sleep < 0 {
				sleep = backoff
			}

			log.Info("retrying stream", "delay", sleep)
			select {
			case <-s.done:
				return
			case <-time.After(sleep):
			}

			backoff = time.Duration(float64(backoff) * backoffFactor)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = initialBackoff

		done := make(chan struct{})
		go s.writePump(done)
		s.readPump()
		close(done)

		// The read error left the connection broken; close it before
		// connect replaces it.
		s.connMu.Lock()
		if s.conn != nil {
			s.conn.Close()
			s.conn = nil
		}
		s.connMu.Unlock()

		s.runningMu.RLock()
		running := s.isRunning
		s.runningMu.RUnlock()
		if !running {
			return
		}
	}
}

func (s *Stream) readPump() {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()

	if conn == nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("stream read error", logging.KeyError, err)
			}
			return
		}

		var task Task
		if err := json.Unmarshal(message, &task); err != nil {
			log.Warn("failed to parse stream message", logging.KeyError, err)
			continue
		}
		// Acks and server notices carry no task_id.
		if task.ID == "" {
			continue
		}

		select {
		case s.taskSem <- struct{}{}:
			go func() {
				defer func() { <-s.taskSem }()
				s.processTask(task)
			}()
		default:
			log.Warn("too many tasks in flight, dropping pushed task", logging.KeyTaskID, task.ID)
		}
	}
}

func (s *Stream) writePump(done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-s.done:
			return

		case message := <-s.sendChan:
			s.connMu.RLock()
			conn := s.conn
			s.connMu.RUnlock()

			if conn == nil {
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn("stream write error", logging.KeyError, err)
				return
			}

		case <-ticker.C:
			s.connMu.RLock()
			conn := s.conn
			s.connMu.RUnlock()

			if conn == nil {
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Stream) processTask(task Task) {
	log.Info("task received over stream", logging.KeyTaskID, task.ID, "taskType", task.Type)

	result := s.handler(task)
	if err := s.SendResult(result); err != nil {
		log.Error("failed to send task result", logging.KeyTaskID, task.ID, logging.KeyError, err)
	}
}

// SendResult queues a result for delivery over the stream.
func (s *Stream) SendResult(result TaskResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	select {
	case s.sendChan <- data:
		return nil
	case <-s.done:
		return fmt.Errorf("stream is stopped")
	default:
		return fmt.Errorf("send channel is full")
	}
}
