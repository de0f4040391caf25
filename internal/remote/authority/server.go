// Package authority is an in-memory reference implementation of the remote
// sync authority, served with gin. It backs the CLI's authority command and
// the end-to-end tests of the remote client and the sync coordinator.
package authority

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kimhsiao/screensync/internal/clock"
	"github.com/kimhsiao/screensync/internal/logging"
	"github.com/kimhsiao/screensync/internal/models"
	"github.com/kimhsiao/screensync/internal/remote"
)

type storedChild struct {
	rec        models.ChildRecord
	receivedAt time.Time
}

type storedResult struct {
	rec        models.ScreeningResult
	receivedAt time.Time
}

// Server holds the authoritative copy of every record.
type Server struct {
	mu          sync.Mutex
	clock       clock.Clock
	children    map[string]*storedChild  // by ChildID
	results     map[string]*storedResult // by key
	applied     map[string]bool          // outbox entry keys already applied
	pushes      int
	unavailable bool
	engine      *gin.Engine
}

// New creates an empty authority.
func New(clk clock.Clock) *Server {
	if clk == nil {
		clk = clock.System{}
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		clock:    clk,
		children: make(map[string]*storedChild),
		results:  make(map[string]*storedResult),
		applied:  make(map[string]bool),
		engine:   gin.New(),
	}

	s.engine.Use(gin.Recovery(), s.availability())
	s.engine.GET(remote.HealthPath, s.handleHealth)
	s.engine.POST(remote.PullPath, s.handlePull)
	s.engine.POST(remote.PushPath, s.handlePush)
	return s
}

// Handler returns the HTTP handler serving the protocol.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// SetUnavailable makes every route answer 503 until reset.
func (s *Server) SetUnavailable(unavailable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = unavailable
}

// PutChild stores a child as if another client had pushed it.
func (s *Server) PutChild(rec models.ChildRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putChild(rec)
}

// PutResult stores a screening result as if another client had pushed it.
func (s *Server) PutResult(rec models.ScreeningResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putResult(rec)
}

// Child returns the stored child with the given ChildID.
func (s *Server) Child(childID string) (models.ChildRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[childID]
	if !ok {
		return models.ChildRecord{}, false
	}
	return c.rec, true
}

// Pushes returns how many push requests were applied, duplicates excluded.
func (s *Server) Pushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushes
}

func (s *Server) putChild(rec models.ChildRecord) {
	rec.IsSynced = true
	s.children[rec.ChildID] = &storedChild{rec: rec, receivedAt: s.clock.Now()}
}

func (s *Server) putResult(rec models.ScreeningResult) {
	rec.IsSynced = true
	s.results[rec.Key] = &storedResult{rec: rec, receivedAt: s.clock.Now()}
}

func (s *Server) availability() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		down := s.unavailable
		s.mu.Unlock()
		if down {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "authority unavailable"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handlePull(c *gin.Context) {
	var req remote.PullRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	resp := remote.PullResponse{
		Children:         []*models.ChildRecord{},
		ScreeningResults: []*models.ScreeningResult{},
	}
	for _, stored := range s.children {
		if stored.receivedAt.After(req.LastSyncTime) {
			rec := stored.rec
			resp.Children = append(resp.Children, &rec)
		}
	}
	for _, stored := range s.results {
		if stored.receivedAt.After(req.LastSyncTime) {
			rec := stored.rec
			resp.ScreeningResults = append(resp.ScreeningResults, &rec)
		}
	}
	sort.Slice(resp.Children, func(i, j int) bool { return resp.Children[i].ChildID < resp.Children[j].ChildID })
	sort.Slice(resp.ScreeningResults, func(i, j int) bool { return resp.ScreeningResults[i].Key < resp.ScreeningResults[j].Key })

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePush(c *gin.Context) {
	var entry models.OutboxEntry
	if err := c.ShouldBindJSON(&entry); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if entry.Key == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "entry key is required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.applied[entry.Key] {
		c.JSON(http.StatusOK, remote.PushResponse{Ack: true})
		return
	}

	switch entry.EntityType {
	case models.EntityChild:
		var rec models.ChildRecord
		if err := json.Unmarshal(entry.Payload, &rec); err != nil || rec.ChildID == "" {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid child payload"})
			return
		}
		s.putChild(rec)
	case models.EntityScreeningResult:
		var rec models.ScreeningResult
		if err := json.Unmarshal(entry.Payload, &rec); err != nil || rec.Key == "" {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid screening result payload"})
			return
		}
		s.putResult(rec)
	default:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown entity type " + string(entry.EntityType)})
		return
	}

	s.applied[entry.Key] = true
	s.pushes++

	logging.Debug("Authority applied push", map[string]interface{}{
		"key":         entry.Key,
		"entity_type": entry.EntityType,
		"entity_id":   entry.EntityID,
	})
	c.JSON(http.StatusOK, remote.PushResponse{Ack: true})
}
