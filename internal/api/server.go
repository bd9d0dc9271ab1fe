package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/rsxdalv/flash-attention/internal/version"
)

type Server struct {
	store   *ResultStore
	service *CombineService
	clock   func() time.Time
}

func NewServer(store *ResultStore, service *CombineService) *Server {
	if store == nil {
		store = NewResultStore(64)
	}
	return &Server{
		store:   store,
		service: service,
		clock:   time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/combine", s.handleCombine)
	e.GET("/v1/combine/:id", s.handleGetCombine)
	e.DELETE("/v1/combine/:id", s.handleDeleteCombine)
	e.GET("/v1/config", s.handleConfig)
	e.GET("/healthz", s.handleHealth)
}

func (s *Server) handleCombine(c *echo.Context) error {
	if s.service == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "combine service not configured", "", "")
	}
	req, err := decodeJSON[CombineRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	resp, err := s.service.Combine(c.Request().Context(), &req)
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), requestParam(err), "")
	case err != nil:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
	if req.Store == nil || *req.Store {
		s.store.Put(resp)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetCombine(c *echo.Context) error {
	id := c.Param("id")
	resp, ok := s.store.Get(id)
	if !ok {
		return writeNotFound(c, "combine result not found")
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeleteCombine(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "combine result not found")
	}
	return c.JSON(http.StatusOK, DeleteCombineResp{
		ID:      id,
		Object:  "combine.result",
		Deleted: true,
	})
}

func (s *Server) handleConfig(c *echo.Context) error {
	if s.service == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "combine service not configured", "", "")
	}
	cfg := s.service.Config()
	return c.JSON(http.StatusOK, ConfigResponse{
		Object:   "combine.config",
		Config:   cfg,
		Geometry: cfg.Geometry(),
		Version:  version.String(),
	})
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"time":   s.clock().UTC().Format(time.RFC3339),
	})
}
