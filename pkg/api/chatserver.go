// Package api holds the HTTP front ends: the user-facing chat server, the
// gateway submit endpoint, and the crawler admin surface. All servers are
// gin engines returned ready to mount.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Request lifecycle states visible to polling clients.
const (
	StatusPending = "pending"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// streamPollInterval is how often the SSE stream re-reads request state.
const streamPollInterval = 300 * time.Millisecond

// Submitter hands a query to the gateway and returns its request ID.
type Submitter interface {
	Submit(ctx context.Context, text, requestID string) (string, error)
}

// requestState tracks one query from submission to final answer.
type requestState struct {
	Text        string
	Status      string
	Result      string
	SubmittedAt time.Time
}

// ChatServer is the user-facing front end: it accepts queries, receives
// result callbacks, and serves status polls and SSE streams.
type ChatServer struct {
	submitter Submitter
	logger    *slog.Logger

	mu       sync.RWMutex
	requests map[string]*requestState
}

func NewChatServer(submitter Submitter) *ChatServer {
	return &ChatServer{
		submitter: submitter,
		logger:    slog.Default().With("component", "chat_server"),
		requests:  make(map[string]*requestState),
	}
}

// Router builds the gin engine for the chat server.
func (s *ChatServer) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), corsMiddleware())

	r.POST("/api/query", s.handleQuery)
	r.GET("/api/get_status/:request_id", s.handleStatus)
	r.GET("/api/stream_result/:request_id", s.handleStream)
	r.POST("/api/result", s.handleResult)
	return r
}

type queryRequest struct {
	Text string `json:"text" binding:"required"`
}

func (s *ChatServer) handleQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}

	requestID := uuid.NewString()
	s.mu.Lock()
	s.requests[requestID] = &requestState{
		Text:        req.Text,
		Status:      StatusPending,
		SubmittedAt: time.Now(),
	}
	s.mu.Unlock()

	if _, err := s.submitter.Submit(c.Request.Context(), req.Text, requestID); err != nil {
		s.logger.Error("Submit failed", "request_id", requestID, "error", err)
		s.setStatus(requestID, StatusFailed)
		c.JSON(http.StatusServiceUnavailable, gin.H{"request_id": requestID, "error": "gateway unavailable"})
		return
	}

	s.logger.Info("Query accepted", "request_id", requestID)
	c.JSON(http.StatusOK, gin.H{"request_id": requestID, "status": StatusPending})
}

func (s *ChatServer) handleStatus(c *gin.Context) {
	requestID := c.Param("request_id")
	status, result, ok := s.snapshot(requestID)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"status": StatusFailed, "error": "unknown request_id"})
		return
	}
	body := gin.H{"status": status}
	if status == StatusDone {
		body["text"] = result
	}
	c.JSON(http.StatusOK, body)
}

// handleStream pushes incremental result text over SSE, sending only the
// suffix the client has not yet seen. Every event carries a JSON payload
// {"text": ..., "status": ...}; a terminal status ends the stream.
func (s *ChatServer) handleStream(c *gin.Context) {
	requestID := c.Param("request_id")

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")

	if _, _, ok := s.snapshot(requestID); !ok {
		s.sseEvent(c, "", StatusFailed)
		return
	}

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			status, result, ok := s.snapshot(requestID)
			if !ok {
				s.sseEvent(c, "", StatusFailed)
				return
			}
			if len(result) > sent {
				s.sseEvent(c, result[sent:], status)
				sent = len(result)
			}
			if status != StatusPending {
				s.sseEvent(c, "", status)
				return
			}
		}
	}
}

// sseEvent writes one {"text", "status"} event and flushes it to the client.
func (s *ChatServer) sseEvent(c *gin.Context, text, status string) {
	payload, err := json.Marshal(gin.H{"text": text, "status": status})
	if err != nil {
		return
	}
	c.SSEvent("message", string(payload))
	c.Writer.Flush()
}

type resultRequest struct {
	RequestID string `json:"request_id" binding:"required"`
	Text      string `json:"text"`
	Type      int    `json:"type"`
}

// handleResult receives callbacks from the gateway. Text always appends;
// type -1 finalizes the request as done.
func (s *ChatServer) handleResult(c *gin.Context) {
	var req resultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request_id is required"})
		return
	}

	text := strings.ReplaceAll(req.Text, "\r\n", "\n")

	s.mu.Lock()
	state, ok := s.requests[req.RequestID]
	if !ok {
		// Results can arrive for requests submitted through another
		// front end instance; track them anyway.
		state = &requestState{Status: StatusPending, SubmittedAt: time.Now()}
		s.requests[req.RequestID] = state
	}
	state.Result += text
	if req.Type == -1 {
		state.Status = StatusDone
	}
	s.mu.Unlock()

	s.logger.Info("Result received", "request_id", req.RequestID, "type", req.Type)
	c.JSON(http.StatusOK, gin.H{"status": "delivered"})
}

func (s *ChatServer) setStatus(requestID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.requests[requestID]; ok {
		state.Status = status
	}
}

func (s *ChatServer) snapshot(requestID string) (status, result string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.requests[requestID]
	if !ok {
		return "", "", false
	}
	return state.Status, state.Result, true
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
