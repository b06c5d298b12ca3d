// Package server exposes the classification pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v3"
	recoverer "github.com/gofiber/fiber/v3/middleware/recover"

	"github.com/shopmind/intentd/pkg/intent"
)

// Server wraps the fiber app and the pipeline service.
type Server struct {
	app *fiber.App
	svc *intent.Service
}

// New builds the HTTP surface over svc.
func New(svc *intent.Service) *Server {
	app := fiber.New(fiber.Config{
		AppName:      "intentd",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
	app.Use(recoverer.New())

	s := &Server{app: app, svc: svc}
	s.routes()
	return s
}

func (s *Server) routes() {
	v1 := s.app.Group("/v1")
	v1.Post("/classify", s.handleClassify)
	v1.Post("/resolve", s.handleResolve)
	v1.Get("/metrics", s.handleMetrics)
	v1.Get("/health", s.handleHealth)

	admin := v1.Group("/admin")
	admin.Post("/retrain", s.handleRetrain)
	admin.Put("/thresholds", s.handleThresholds)
	admin.Post("/layers", s.handleLayers)
	admin.Get("/intents/pending", s.handlePendingIntents)
	admin.Post("/intents/promote", s.handlePromote)
	admin.Post("/patterns", s.handleAddPattern)
}

// Listen serves until Shutdown.
func (s *Server) Listen(addr string) error {
	log.Printf("[server] listening on %s", addr)
	return s.app.Listen(addr)
}

// Shutdown drains connections gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

type errorResponse struct {
	Error string `json:"error"`
}

func badRequest(c fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: msg})
}

func (s *Server) handleClassify(c fiber.Ctx) error {
	var req intent.Request
	if err := c.Bind().Body(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Text == "" {
		return badRequest(c, "text must not be empty")
	}

	result, err := s.svc.Classify(c.Context(), req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return c.Status(fiber.StatusGatewayTimeout).JSON(errorResponse{Error: "classification timed out"})
		}
		log.Printf("[server] classify failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: "classification failed"})
	}
	return c.JSON(result)
}

type resolveRequest struct {
	SessionID string `json:"session_id"`
	Option    int    `json:"option"`
}

func (s *Server) handleResolve(c fiber.Ctx) error {
	var req resolveRequest
	if err := c.Bind().Body(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.SessionID == "" {
		return badRequest(c, "session_id must not be empty")
	}

	result, err := s.svc.Resolve(c.Context(), req.SessionID, req.Option)
	switch {
	case errors.Is(err, intent.ErrSessionNotFound):
		return c.Status(fiber.StatusNotFound).JSON(errorResponse{Error: "session not found or expired"})
	case errors.Is(err, intent.ErrBadOption):
		return badRequest(c, err.Error())
	case err != nil:
		log.Printf("[server] resolve failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: "resolve failed"})
	}
	return c.JSON(result)
}

func (s *Server) handleMetrics(c fiber.Ctx) error {
	return c.JSON(s.svc.MetricsSnapshot())
}

type healthResponse struct {
	Status          string                `json:"status"`
	Layers          map[intent.Layer]bool `json:"layers"`
	PendingSessions int                   `json:"pending_sessions"`
}

func (s *Server) handleHealth(c fiber.Ctx) error {
	return c.JSON(healthResponse{
		Status:          "ok",
		Layers:          s.svc.LayerStates(),
		PendingSessions: s.svc.PendingSessions(),
	})
}

func (s *Server) handleRetrain(c fiber.Ctx) error {
	if err := s.svc.TriggerRetrain(); err != nil {
		return c.Status(fiber.StatusConflict).JSON(errorResponse{Error: err.Error()})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "retrain scheduled"})
}

func (s *Server) handleThresholds(c fiber.Ctx) error {
	t := s.svc.Thresholds()
	if err := c.Bind().Body(&t); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := s.svc.UpdateThresholds(t); err != nil {
		return badRequest(c, err.Error())
	}
	return c.JSON(t)
}

type layerRequest struct {
	Layer   intent.Layer `json:"layer"`
	Enabled bool         `json:"enabled"`
}

func (s *Server) handleLayers(c fiber.Ctx) error {
	var req layerRequest
	if err := c.Bind().Body(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := s.svc.SetLayerEnabled(req.Layer, req.Enabled); err != nil {
		return badRequest(c, err.Error())
	}
	return c.JSON(s.svc.LayerStates())
}

func (s *Server) handlePendingIntents(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"pending": s.svc.PendingLabels()})
}

type promoteRequest struct {
	Label       string `json:"label"`
	Description string `json:"description"`
}

func (s *Server) handlePromote(c fiber.Ctx) error {
	var req promoteRequest
	if err := c.Bind().Body(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Label == "" || req.Description == "" {
		return badRequest(c, "label and description must not be empty")
	}

	if err := s.svc.PromoteIntent(c.Context(), req.Label, req.Description); err != nil {
		if errors.Is(err, intent.ErrNotPendingLabel) {
			return c.Status(fiber.StatusNotFound).JSON(errorResponse{Error: err.Error()})
		}
		return badRequest(c, err.Error())
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"label": req.Label})
}

func (s *Server) handleAddPattern(c fiber.Ctx) error {
	var rule intent.Rule
	if err := c.Bind().Body(&rule); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := s.svc.AddPatternRule(rule); err != nil {
		return badRequest(c, err.Error())
	}
	return c.Status(fiber.StatusCreated).JSON(rule)
}
