package web

import (
	"context"
	"io"
	"mime"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/raine/werkaholic-scanner/internal/frame"
	"github.com/raine/werkaholic-scanner/internal/listing"
	"github.com/raine/werkaholic-scanner/internal/scanner"
	"github.com/rs/zerolog/log"
)

// handleStatus returns the current controller snapshot
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.scanner.Status())
}

func (s *Server) handleHistory(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultHistoryLimit)
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	entries, err := s.history.ListHistory(s.userID, limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to list history")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(entries)
}

func (s *Server) handleStart(c *fiber.Ctx) error {
	return s.control(c, s.scanner.Start)
}

// handlePause toggles between running and paused
func (s *Server) handlePause(c *fiber.Ctx) error {
	return s.control(c, s.scanner.Toggle)
}

func (s *Server) handleReset(c *fiber.Ctx) error {
	return s.control(c, s.scanner.Reset)
}

func (s *Server) control(c *fiber.Ctx, action func() error) error {
	if err := action(); err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(s.scanner.Status())
}

func (s *Server) handleCapture(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), manualTimeout)
	defer cancel()

	result, err := s.scanner.Capture(ctx)
	return s.resultResponse(c, result, err)
}

// handleScan classifies an uploaded image. The image is either the "image"
// field of a multipart form or the raw request body.
func (s *Server) handleScan(c *fiber.Ctx) error {
	img, err := readUpload(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), manualTimeout)
	defer cancel()

	result, err := s.scanner.Submit(ctx, img)
	return s.resultResponse(c, result, err)
}

func (s *Server) resultResponse(c *fiber.Ctx, result *listing.ScanResult, err error) error {
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(fiber.Map{
		"result": result,
		"status": s.scanner.Status(),
	})
}

func readUpload(c *fiber.Ctx) (*frame.Image, error) {
	mediaType, _, _ := mime.ParseMediaType(c.Get(fiber.HeaderContentType))

	if mediaType == fiber.MIMEMultipartForm {
		fh, err := c.FormFile("image")
		if err != nil {
			return nil, fiber.NewError(fiber.StatusBadRequest, "missing image field")
		}
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, err
		}
		return frame.NewImage(data, imageType(fh.Header.Get(fiber.HeaderContentType))), nil
	}

	// fasthttp reuses the body buffer after the handler returns
	data := append([]byte(nil), c.Body()...)
	return frame.NewImage(data, imageType(mediaType)), nil
}

func imageType(contentType string) string {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if strings.HasPrefix(mediaType, "image/") {
		return mediaType
	}
	return ""
}

// handleEventsWS streams controller events. The current status is sent
// first as a state_changed event.
func (s *Server) handleEventsWS(c *websocket.Conn) {
	events, cancel := s.scanner.Subscribe()
	defer cancel()

	if err := c.WriteJSON(scanner.Event{Type: scanner.EventStateChanged, Status: s.scanner.Status()}); err != nil {
		return
	}

	// Reads only detect the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log.Debug().Str("remote", c.RemoteAddr().String()).Msg("dashboard client connected")
	defer log.Debug().Str("remote", c.RemoteAddr().String()).Msg("dashboard client disconnected")

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := c.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
