// Package web serves the scanner dashboard API and a live event stream.
package web

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"
	"github.com/raine/werkaholic-scanner/internal/frame"
	"github.com/raine/werkaholic-scanner/internal/listing"
	"github.com/raine/werkaholic-scanner/internal/scanner"
	"github.com/raine/werkaholic-scanner/internal/storage"
	"github.com/rs/zerolog/log"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
	// manual analyses wait for the vision model
	manualTimeout = 2 * time.Minute
)

// Scanner is the part of the scan controller the dashboard drives.
type Scanner interface {
	Start() error
	Toggle() error
	Reset() error
	Status() scanner.Status
	Capture(ctx context.Context) (*listing.ScanResult, error)
	Submit(ctx context.Context, img *frame.Image) (*listing.ScanResult, error)
	Subscribe() (<-chan scanner.Event, func())
}

// HistoryLister reads past results.
type HistoryLister interface {
	ListHistory(userID string, limit int) ([]storage.HistoryEntry, error)
}

// Server is the dashboard HTTP server.
type Server struct {
	app     *fiber.App
	addr    string
	userID  string
	scanner Scanner
	history HistoryLister
}

// NewServer creates a dashboard server listening on addr.
func NewServer(addr, userID string, sc Scanner, history HistoryLister) *Server {
	s := &Server{
		addr:    addr,
		userID:  userID,
		scanner: sc,
		history: history,
	}

	app := fiber.New(fiber.Config{
		AppName:               "Werkaholic Scanner",
		DisableStartupMessage: true,
		BodyLimit:             frame.DefaultMaxImageSize,
	})

	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/history", s.handleHistory)
	api.Post("/start", s.handleStart)
	api.Post("/pause", s.handlePause)
	api.Post("/reset", s.handleReset)
	api.Post("/capture", s.handleCapture)
	api.Post("/scan", s.handleScan)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(s.handleEventsWS))

	s.app = app
	return s
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.addr).Msg("web dashboard listening")
		errCh <- s.app.Listen(s.addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if err := s.app.ShutdownWithTimeout(5 * time.Second); err != nil {
			log.Warn().Err(err).Msg("web dashboard shutdown")
		}
		<-errCh
		return nil
	}
}

// statusCode maps controller errors to HTTP status codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, scanner.ErrInvalidTransition),
		errors.Is(err, scanner.ErrBusy),
		errors.Is(err, scanner.ErrDiscarded):
		return fiber.StatusConflict
	case errors.Is(err, scanner.ErrQuotaExceeded),
		errors.Is(err, scanner.ErrRateLimited):
		return fiber.StatusTooManyRequests
	case errors.Is(err, frame.ErrNoFrame):
		return fiber.StatusNotFound
	case errors.Is(err, scanner.ErrStopped),
		errors.Is(err, frame.ErrCameraUnsupported):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusBadGateway
	}
}

func (s *Server) errorResponse(c *fiber.Ctx, err error) error {
	code := statusCode(err)
	log.Warn().Err(err).Int("status", code).Str("path", c.Path()).Msg("dashboard request failed")

	return c.Status(code).JSON(fiber.Map{
		"error":  scanner.UserMessage(err),
		"status": s.scanner.Status(),
	})
}
