// Package api exposes a runner.Service over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"web/aqmap/logging"
	"web/aqmap/mapview"
	"web/aqmap/runner"
	"web/aqmap/viewport"
)

type Server struct {
	svc            runner.Service
	logger         *zap.Logger
	allowedOrigins []string
}

func NewServer(svc runner.Service, logger *zap.Logger, allowedOrigins []string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{svc: svc, logger: logger, allowedOrigins: allowedOrigins}
}

// cors allows the configured origins, or every origin when none is set.
func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := "*"
		if len(s.allowedOrigins) > 0 {
			origin = ""
			req := c.GetHeader("Origin")
			for _, o := range s.allowedOrigins {
				if o == "*" || o == req {
					origin = req
					break
				}
			}
		}
		if origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Router builds the gin engine serving every route.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logging.Gin(s.logger), s.cors())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.GET("/views", s.listViews)
	api.POST("/views", s.createView)
	api.GET("/views/:id", s.getView)
	api.DELETE("/views/:id", s.closeView)
	api.POST("/views/:id/viewport", s.moveView)
	api.POST("/views/:id/markers/:key/:action", s.interact)
	api.PUT("/views/:id/config", s.configure)
	api.POST("/views/:id/refresh", s.refresh)
	api.GET("/views/:id/clusters/:cid/leaves", s.leaves)
	api.GET("/views/:id/summary", s.summary)
	api.GET("/views/:id/geojson", s.geoJSON)
	api.POST("/views/:id/snapshot", s.saveSnapshot)
	api.GET("/snapshots", s.listSnapshots)

	return r
}

// ListenAndServe serves the router on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, runner.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, runner.ErrInvalidArgument):
		code = http.StatusBadRequest
	case errors.Is(err, mapview.ErrSuperseded):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func (s *Server) listViews(c *gin.Context) {
	resp, err := s.svc.ListViews(c.Request.Context(), runner.Empty{})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.Views)
}

// createView takes an optional JSON body. lat, lng and zm query parameters
// set the viewport when the body has none.
func (s *Server) createView(c *gin.Context) {
	var req runner.CreateViewRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request")
			return
		}
	}
	if req.Viewport == nil {
		v, ok, err := viewport.ParseQuery(c.Request.URL.Query())
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		if ok {
			req.Viewport = &v
		}
	}
	if user := c.Query("user"); user != "" && req.UserKey == "" {
		req.UserKey = user
	}

	info, err := s.svc.CreateView(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (s *Server) getView(c *gin.Context) {
	info, err := s.svc.GetView(c.Request.Context(), runner.IDRequest{ID: c.Param("id")})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) closeView(c *gin.Context) {
	if _, err := s.svc.CloseView(c.Request.Context(), runner.IDRequest{ID: c.Param("id")}); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) moveView(c *gin.Context) {
	v, ok, err := viewport.ParseQuery(c.Request.URL.Query())
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if !ok {
		badRequest(c, "lat, lng and zm are required")
		return
	}
	info, err := s.svc.MoveView(c.Request.Context(), runner.MoveRequest{ID: c.Param("id"), Viewport: v})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) interact(c *gin.Context) {
	info, err := s.svc.Interact(c.Request.Context(), runner.InteractRequest{
		ID:     c.Param("id"),
		Key:    c.Param("key"),
		Action: c.Param("action"),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) configure(c *gin.Context) {
	var req runner.ConfigureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	req.ID = c.Param("id")
	info, err := s.svc.Configure(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) refresh(c *gin.Context) {
	wait, err := optionalBool(c, "wait")
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	info, err := s.svc.Refresh(c.Request.Context(), runner.RefreshRequest{ID: c.Param("id"), Wait: wait})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) leaves(c *gin.Context) {
	cid, err := strconv.Atoi(c.Param("cid"))
	if err != nil {
		badRequest(c, "Invalid cluster id")
		return
	}
	limit, err := optionalInt(c, "limit")
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	offset, err := optionalInt(c, "offset")
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	resp, err := s.svc.Leaves(c.Request.Context(), runner.LeavesRequest{
		ID:        c.Param("id"),
		ClusterID: cid,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) summary(c *gin.Context) {
	resp, err := s.svc.Summary(c.Request.Context(), runner.IDRequest{ID: c.Param("id")})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.Stats)
}

// geoJSON returns the rendered markers, or the raw index clusters when
// north, south, east, west and zoom are given.
func (s *Server) geoJSON(c *gin.Context) {
	req := runner.GeoJSONRequest{ID: c.Param("id")}
	if c.Query("zoom") != "" {
		bounds, zoom, err := boundsFromQuery(c)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		req.Bounds, req.Zoom = &bounds, zoom
	}
	fc, err := s.svc.GeoJSON(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, fc)
}

func (s *Server) saveSnapshot(c *gin.Context) {
	snap, err := s.svc.SaveSnapshot(c.Request.Context(), runner.SnapshotRequest{
		ID:     c.Param("id"),
		Format: c.Query("format"),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (s *Server) listSnapshots(c *gin.Context) {
	resp, err := s.svc.ListSnapshots(c.Request.Context(), runner.Empty{})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.Snapshots)
}

func boundsFromQuery(c *gin.Context) (orb.Bound, int, error) {
	zoom, err := strconv.Atoi(c.Query("zoom"))
	if err != nil {
		return orb.Bound{}, 0, fmt.Errorf("invalid zoom parameter")
	}
	var edges [4]float64
	for i, name := range []string{"north", "south", "east", "west"} {
		edges[i], err = strconv.ParseFloat(c.Query(name), 64)
		if err != nil {
			return orb.Bound{}, 0, fmt.Errorf("invalid %s parameter", name)
		}
	}
	north, south, east, west := edges[0], edges[1], edges[2], edges[3]
	return orb.Bound{Min: orb.Point{west, south}, Max: orb.Point{east, north}}, zoom, nil
}

func optionalInt(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s parameter", name)
	}
	return n, nil
}

func optionalBool(c *gin.Context, name string) (bool, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s parameter", name)
	}
	return b, nil
}
