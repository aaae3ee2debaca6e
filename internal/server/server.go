// Package server exposes the node over HTTP: health and role status, the
// SSE notification stream and mission submission for operator tools.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yardcore/yardcore/internal/config"
	"github.com/yardcore/yardcore/internal/database"
	"github.com/yardcore/yardcore/internal/notify"
	"github.com/yardcore/yardcore/internal/roles"
)

// RoleSource reports the node's roles.
type RoleSource interface {
	Status() roles.Status
}

// QueueStarter starts mission queues.
type QueueStarter interface {
	StartMissionQueue(ctx context.Context, queueID int64) error
}

// Options wires the server's collaborators. Hub and Queues may be nil.
type Options struct {
	Config  config.ServerConfig
	DB      *database.DB
	Roles   RoleSource
	Hub     *notify.Hub
	Queues  QueueStarter
	Version string
}

// Server is the HTTP front of a node.
type Server struct {
	opts   Options
	engine *gin.Engine
}

// New builds the router.
func New(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{opts: opts, engine: gin.New()}
	s.engine.Use(gin.Recovery())

	s.engine.GET("/healthz", s.healthz)
	api := s.engine.Group("/", s.verifyToken)
	{
		api.GET("/status", s.status)
		api.POST("/work-processes", s.createWorkProcess)
		api.GET("/work-processes/:id", s.getWorkProcess)
		api.POST("/work-processes/:id/cancel", s.cancelWorkProcess)
		if opts.Queues != nil {
			api.POST("/mission-queues/:id/start", s.startQueue)
		}
		if opts.Hub != nil {
			api.GET("/events/:room", opts.Hub.ServeSSE)
		}
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Addr returns the listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.opts.Config.Host, strconv.Itoa(s.opts.Config.Port))
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.Addr(), Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	slog.Info("HTTP server listening", "addr", srv.Addr)

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) verifyToken(c *gin.Context) {
	want := s.opts.Config.AuthToken
	if want == "" {
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
	if token == "" {
		token = c.Query("token") // EventSource cannot set headers
	}
	if token != want {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

func (s *Server) healthz(c *gin.Context) {
	if err := s.opts.DB.SQL().PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	ctx := c.Request.Context()
	agents, err := s.opts.DB.Agents.Summary(ctx, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	wps, err := s.opts.DB.WorkProcesses.ListByStatus(ctx, database.WorkProcessActiveStatuses...)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	active := map[string]int{}
	for _, wp := range wps {
		active[wp.Status]++
	}
	body := gin.H{"version": s.opts.Version, "agents": agents, "work_processes": active}
	if s.opts.Roles != nil {
		body["roles"] = s.opts.Roles.Status()
	}
	c.JSON(http.StatusOK, body)
}

type createWorkProcessRequest struct {
	WorkProcessTypeName string        `json:"work_process_type_name"`
	WorkProcessTypeID   int64         `json:"work_process_type_id"`
	YardID              int64         `json:"yard_id"`
	AgentIDs            []int64       `json:"agent_ids"`
	AgentUUIDs          []string      `json:"agent_uuids"`
	Data                database.JSON `json:"data"`
	SchedStartAt        *time.Time    `json:"sched_start_at"`
	Description         string        `json:"description"`
	OnAssignmentFailure string        `json:"on_assignment_failure"`
	FallbackMission     string        `json:"fallback_mission"`
	MissionQueueID      int64         `json:"mission_queue_id"`
	RunOrder            int           `json:"run_order"`
	Draft               bool          `json:"draft"`
}

func (s *Server) createWorkProcess(c *gin.Context) {
	ctx := c.Request.Context()
	var req createWorkProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	wp := &database.WorkProcess{
		WorkProcessTypeID:   req.WorkProcessTypeID,
		YardID:              req.YardID,
		Status:              database.WorkProcessDispatched,
		AgentIDs:            database.IDs(req.AgentIDs),
		SchedStartAt:        req.SchedStartAt,
		Data:                req.Data,
		Description:         req.Description,
		OnAssignmentFailure: req.OnAssignmentFailure,
		FallbackMission:     req.FallbackMission,
		MissionQueueID:      req.MissionQueueID,
		RunOrder:            req.RunOrder,
	}
	if req.Draft || req.MissionQueueID != 0 {
		wp.Status = database.WorkProcessDraft
	}
	if req.WorkProcessTypeName != "" {
		t, err := s.opts.DB.Types.GetByName(ctx, req.WorkProcessTypeName)
		if err != nil {
			writeLookupError(c, "work process type", err)
			return
		}
		wp.WorkProcessTypeID = t.ID
	}
	for _, u := range req.AgentUUIDs {
		a, err := s.opts.DB.Agents.GetByUUID(ctx, u)
		if err != nil {
			writeLookupError(c, "agent "+u, err)
			return
		}
		if !wp.AgentIDs.Contains(a.ID) {
			wp.AgentIDs = append(wp.AgentIDs, a.ID)
		}
	}
	created, err := s.opts.DB.WorkProcesses.Create(ctx, wp)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	slog.Info("Work process submitted", "work_process", created.ID, "status", created.Status, "agents", []int64(created.AgentIDs))
	c.JSON(http.StatusCreated, created)
}

func (s *Server) getWorkProcess(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	wp, err := s.opts.DB.WorkProcesses.Get(c.Request.Context(), id)
	if err != nil {
		writeLookupError(c, "work process", err)
		return
	}
	c.JSON(http.StatusOK, wp)
}

// cancelWorkProcess only flags the work process; the orchestrator tears it
// down when it sees the canceling status.
func (s *Server) cancelWorkProcess(c *gin.Context) {
	ctx := c.Request.Context()
	id, ok := pathID(c)
	if !ok {
		return
	}
	moved, err := s.opts.DB.WorkProcesses.SetStatus(ctx, id, database.WorkProcessCanceling, database.WorkProcessActiveStatuses...)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !moved {
		wp, err := s.opts.DB.WorkProcesses.Get(ctx, id)
		if err != nil {
			writeLookupError(c, "work process", err)
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": "work process is " + wp.Status, "id": id, "status": wp.Status})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": database.WorkProcessCanceling})
}

func (s *Server) startQueue(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.opts.Queues.StartMissionQueue(c.Request.Context(), id); err != nil {
		writeLookupError(c, "mission queue", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": database.QueueRun})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func writeLookupError(c *gin.Context, what string, err error) {
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": what + " not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
