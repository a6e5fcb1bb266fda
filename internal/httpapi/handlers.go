// Package httpapi wires the engine's collaborators onto echo routes: pipeline
// CRUD, batch run (plain and streamed), publish/unpublish, schedule history,
// and the dashboard websocket upgrade.
package httpapi

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/miradorflow/core/internal/batch"
	"github.com/miradorflow/core/internal/dashboard"
	"github.com/miradorflow/core/internal/lifecycle"
	"github.com/miradorflow/core/internal/node"
	"github.com/miradorflow/core/internal/noderegistry"
	"github.com/miradorflow/core/internal/pipeline"
	"github.com/miradorflow/core/internal/scheduler"
	"github.com/miradorflow/core/internal/store"
	"github.com/miradorflow/core/internal/wire"
)

// Server holds every collaborator a route handler needs.
type Server struct {
	store     store.Store
	registry  *noderegistry.Registry
	batchExec *batch.Executor
	lifecycle *lifecycle.Service
	scheduler *scheduler.Scheduler
	hub       *dashboard.Hub
	upgrader  websocket.Upgrader
}

// NewServer wires a Server from its collaborators.
func NewServer(st store.Store, registry *noderegistry.Registry, batchExec *batch.Executor, lc *lifecycle.Service, sched *scheduler.Scheduler, hub *dashboard.Hub) *Server {
	return &Server{
		store:     st,
		registry:  registry,
		batchExec: batchExec,
		lifecycle: lc,
		scheduler: sched,
		hub:       hub,
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// Register mounts every route under e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/api/v1/node-types", s.ListNodeTypes)

	e.GET("/api/v1/projects", s.ListProjects)
	e.GET("/api/v1/projects/:slug/pipelines", s.ListPipelines)
	e.GET("/api/v1/projects/:slug/pipelines/:name", s.GetPipeline)
	e.PUT("/api/v1/projects/:slug/pipelines/:name", s.SavePipeline)

	e.POST("/api/v1/projects/:slug/pipelines/:name/run", s.RunPipeline)
	e.POST("/api/v1/projects/:slug/pipelines/:name/run-stream", s.RunPipelineStream)
	e.POST("/api/v1/projects/:slug/pipelines/:name/publish", s.Publish)
	e.POST("/api/v1/projects/:slug/pipelines/:name/unpublish", s.Unpublish)
	e.GET("/api/v1/projects/:slug/pipelines/:name/schedule/history", s.ScheduleHistory)

	e.GET("/ws/projects/:slug/pipelines/:name", s.DashboardSocket)
}

// ListNodeTypes returns every registered node type descriptor.
func (s *Server) ListNodeTypes(c echo.Context) error {
	return c.JSON(http.StatusOK, s.registry.List())
}

// ListProjects returns every project slug known to the store.
func (s *Server) ListProjects(c echo.Context) error {
	projects, err := s.store.ListProjects(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, projects)
}

// ListPipelines returns every pipeline name under a project slug.
func (s *Server) ListPipelines(c echo.Context) error {
	names, err := s.store.ListPipelines(c.Request().Context(), c.Param("slug"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, names)
}

// GetPipeline loads one pipeline document.
func (s *Server) GetPipeline(c echo.Context) error {
	p, err := s.store.LoadPipeline(c.Request().Context(), c.Param("slug"), c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

// SavePipeline persists a pipeline document and re-syncs its cron schedule.
func (s *Server) SavePipeline(c echo.Context) error {
	var p pipeline.Pipeline
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := p.Validate(); err != nil {
		return err
	}

	ctx := c.Request().Context()
	slug, name := c.Param("slug"), c.Param("name")
	if err := s.store.SavePipeline(ctx, slug, name, &p); err != nil {
		return err
	}
	if s.scheduler != nil {
		s.scheduler.SyncSchedules(slug, name, &p)
	}
	return c.JSON(http.StatusOK, &p)
}

// runRequest is the optional body accepted by the run and run-stream
// endpoints, letting a caller resume a partially-failed session.
type runRequest struct {
	SessionID string `json:"session_id"`
	StartFrom string `json:"start_from"`
}

// RunPipeline executes a pipeline to completion and returns every node's
// stripped output.
func (s *Server) RunPipeline(c echo.Context) error {
	p, err := s.store.LoadPipeline(c.Request().Context(), c.Param("slug"), c.Param("name"))
	if err != nil {
		return err
	}

	var req runRequest
	_ = c.Bind(&req)
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	results, err := s.batchExec.Run(c.Request().Context(), p, batch.RunOptions{
		SessionID: req.SessionID,
		StartFrom: req.StartFrom,
	})
	if err != nil {
		return err
	}

	stripped := make(map[string]interface{}, len(results))
	for id, out := range results {
		stripped[id] = out.Scalars()
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"session_id": req.SessionID,
		"results":    stripped,
	})
}

// RunPipelineStream executes a pipeline to completion, writing a
// line-delimited JSON event per node as it completes, then a terminal
// complete or error event. A pipeline that cannot be loaded is reported as
// an HTTP error; once the pipeline is loaded the response is 200 and run
// failures are reported as a terminal error event, since headers are
// already committed by the time a node can fail.
func (s *Server) RunPipelineStream(c echo.Context) error {
	p, err := s.store.LoadPipeline(c.Request().Context(), c.Param("slug"), c.Param("name"))
	if err != nil {
		return err
	}

	var req runRequest
	_ = c.Bind(&req)

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	resp.WriteHeader(http.StatusOK)

	writeLine := func(line []byte, err error) {
		if err != nil {
			return
		}
		resp.Write(line)
		resp.Flush()
	}

	results, runErr := s.batchExec.Run(c.Request().Context(), p, batch.RunOptions{
		SessionID: req.SessionID,
		StartFrom: req.StartFrom,
		OnNodeStart: func(nodeID string) {
			writeLine(wire.FormatNodeStart(nodeID))
		},
		OnNodeDone: func(nodeID string, out node.Output) {
			writeLine(wire.FormatNodeDone(nodeID, out))
		},
		OnNodeError: func(nodeID string, err error) {
			writeLine(wire.FormatNodeError(nodeID, err))
		},
	})

	if runErr != nil {
		writeLine(wire.FormatError(runErr))
		return nil
	}
	writeLine(wire.FormatComplete(results))
	return nil
}

// Publish starts the named pipeline as a live streaming pipeline.
func (s *Server) Publish(c echo.Context) error {
	if err := s.lifecycle.Publish(c.Request().Context(), c.Param("slug"), c.Param("name")); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "published"})
}

// Unpublish stops the named pipeline's streaming executor, if running.
func (s *Server) Unpublish(c echo.Context) error {
	if err := s.lifecycle.Unpublish(c.Request().Context(), c.Param("slug"), c.Param("name")); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "unpublished"})
}

// ScheduleHistory returns the capped run-history ring for a pipeline's cron
// job, oldest first. Empty if the pipeline has no schedule trigger.
func (s *Server) ScheduleHistory(c echo.Context) error {
	key := c.Param("slug") + "/" + c.Param("name")
	if s.scheduler == nil {
		return c.JSON(http.StatusOK, []scheduler.RunHistoryEntry{})
	}
	return c.JSON(http.StatusOK, s.scheduler.RunHistory(key))
}

// DashboardSocket upgrades the request to a websocket and pumps client
// frames into the dashboard hub until the connection closes.
func (s *Server) DashboardSocket(c echo.Context) error {
	key := c.Param("slug") + "/" + c.Param("name")

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	conn := s.hub.Register(key, ws)
	defer s.hub.Unregister(conn)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return nil
		}
		s.hub.HandleMessage(conn, raw)
	}
}
