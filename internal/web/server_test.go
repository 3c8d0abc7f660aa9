package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/raine/werkaholic-scanner/internal/frame"
	"github.com/raine/werkaholic-scanner/internal/listing"
	"github.com/raine/werkaholic-scanner/internal/scanner"
	"github.com/raine/werkaholic-scanner/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type scannerMock struct {
	mock.Mock
}

func (m *scannerMock) Start() error  { return m.Called().Error(0) }
func (m *scannerMock) Toggle() error { return m.Called().Error(0) }
func (m *scannerMock) Reset() error  { return m.Called().Error(0) }

func (m *scannerMock) Status() scanner.Status {
	return m.Called().Get(0).(scanner.Status)
}

func (m *scannerMock) Capture(ctx context.Context) (*listing.ScanResult, error) {
	args := m.Called(ctx)
	result, _ := args.Get(0).(*listing.ScanResult)
	return result, args.Error(1)
}

func (m *scannerMock) Submit(ctx context.Context, img *frame.Image) (*listing.ScanResult, error) {
	args := m.Called(ctx, img)
	result, _ := args.Get(0).(*listing.ScanResult)
	return result, args.Error(1)
}

func (m *scannerMock) Subscribe() (<-chan scanner.Event, func()) {
	args := m.Called()
	return args.Get(0).(<-chan scanner.Event), func() {}
}

type historyStub struct {
	entries []storage.HistoryEntry
	limit   int
}

func (h *historyStub) ListHistory(userID string, limit int) ([]storage.HistoryEntry, error) {
	h.limit = limit
	if len(h.entries) > limit {
		return h.entries[:limit], nil
	}
	return h.entries, nil
}

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

func setupServer(t *testing.T) (*Server, *scannerMock, *historyStub) {
	t.Helper()
	sc := new(scannerMock)
	hist := &historyStub{}
	return NewServer(":0", "anna", sc, hist), sc, hist
}

func doRequest(t *testing.T, s *Server, req *http.Request) (int, map[string]any) {
	t.Helper()
	res, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	var decoded map[string]any
	if len(body) > 0 && body[0] == '{' {
		require.NoError(t, json.Unmarshal(body, &decoded))
	}
	return res.StatusCode, decoded
}

func TestStatus(t *testing.T) {
	s, sc, _ := setupServer(t)
	sc.On("Status").Return(scanner.Status{
		State: scanner.Running,
		Quota: listing.QuotaState{Plan: listing.PlanFree, ScansUsed: 3},
	})

	code, body := doRequest(t, s, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, "running", body["state"])
	assert.Equal(t, float64(3), body["quota"].(map[string]any)["scansUsed"])
}

func TestControlEndpoints(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		method   string
		err      error
		wantCode int
	}{
		{"start ok", "/api/start", "Start", nil, fiber.StatusOK},
		{"start while running", "/api/start", "Start", fmt.Errorf("%w: start from running", scanner.ErrInvalidTransition), fiber.StatusConflict},
		{"start over quota", "/api/start", "Start", scanner.ErrQuotaExceeded, fiber.StatusTooManyRequests},
		{"pause toggles", "/api/pause", "Toggle", nil, fiber.StatusOK},
		{"pause from idle", "/api/pause", "Toggle", scanner.ErrInvalidTransition, fiber.StatusConflict},
		{"reset", "/api/reset", "Reset", nil, fiber.StatusOK},
		{"stopped", "/api/reset", "Reset", scanner.ErrStopped, fiber.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, sc, _ := setupServer(t)
			sc.On(tt.method).Return(tt.err).Once()
			sc.On("Status").Return(scanner.Status{State: scanner.Paused})

			code, body := doRequest(t, s, httptest.NewRequest(http.MethodPost, tt.path, nil))

			assert.Equal(t, tt.wantCode, code)
			if tt.err != nil {
				assert.Equal(t, scanner.UserMessage(tt.err), body["error"])
			} else {
				assert.Equal(t, "paused", body["state"])
			}
			sc.AssertExpectations(t)
		})
	}
}

func TestCapture(t *testing.T) {
	s, sc, _ := setupServer(t)
	sc.On("Capture", mock.Anything).Return(&listing.ScanResult{
		Detected: true,
		Title:    "Stichsäge Makita",
	}, nil).Once()
	sc.On("Status").Return(scanner.Status{State: scanner.Idle})

	code, body := doRequest(t, s, httptest.NewRequest(http.MethodPost, "/api/capture", nil))

	require.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, "Stichsäge Makita", body["result"].(map[string]any)["title"])
}

func TestCapture_Errors(t *testing.T) {
	tests := []struct {
		err      error
		wantCode int
	}{
		{scanner.ErrBusy, fiber.StatusConflict},
		{fmt.Errorf("%w: 429", scanner.ErrRateLimited), fiber.StatusTooManyRequests},
		{scanner.ErrQuotaExceeded, fiber.StatusTooManyRequests},
		{frame.ErrNoFrame, fiber.StatusNotFound},
		{errors.New("upstream exploded"), fiber.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			s, sc, _ := setupServer(t)
			sc.On("Capture", mock.Anything).Return(nil, tt.err).Once()
			sc.On("Status").Return(scanner.Status{})

			code, body := doRequest(t, s, httptest.NewRequest(http.MethodPost, "/api/capture", nil))

			assert.Equal(t, tt.wantCode, code)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestScan_RawBody(t *testing.T) {
	s, sc, _ := setupServer(t)
	sc.On("Submit", mock.Anything, mock.MatchedBy(func(img *frame.Image) bool {
		return bytes.Equal(img.Data, pngHeader) && img.MIMEType == "image/png"
	})).Return(&listing.ScanResult{Detected: false}, nil).Once()
	sc.On("Status").Return(scanner.Status{})

	req := httptest.NewRequest(http.MethodPost, "/api/scan", bytes.NewReader(pngHeader))
	req.Header.Set("Content-Type", "application/octet-stream")
	code, body := doRequest(t, s, req)

	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, false, body["result"].(map[string]any)["detected"])
	sc.AssertExpectations(t)
}

func TestScan_Multipart(t *testing.T) {
	s, sc, _ := setupServer(t)
	sc.On("Submit", mock.Anything, mock.MatchedBy(func(img *frame.Image) bool {
		return string(img.Data) == "jpegdata" && img.MIMEType == "image/jpeg"
	})).Return(&listing.ScanResult{Detected: true, Title: "Hammer"}, nil).Once()
	sc.On("Status").Return(scanner.Status{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="image"; filename="hammer.jpg"`)
	header.Set("Content-Type", "image/jpeg")
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write([]byte("jpegdata"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/scan", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	code, _ := doRequest(t, s, req)

	assert.Equal(t, fiber.StatusOK, code)
	sc.AssertExpectations(t)
}

func TestScan_MultipartWithoutImage(t *testing.T) {
	s, sc, _ := setupServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "kein bild"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/scan", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	code, _ := doRequest(t, s, req)

	assert.Equal(t, fiber.StatusBadRequest, code)
	sc.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

func TestHistory(t *testing.T) {
	s, _, hist := setupServer(t)
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	for i := range 3 {
		hist.entries = append(hist.entries, storage.HistoryEntry{
			ID:        fmt.Sprintf("h%d", i),
			UserID:    "anna",
			Result:    listing.ScanResult{Detected: true, Title: fmt.Sprintf("Teil %d", i)},
			CreatedAt: now.Add(-time.Duration(i) * time.Minute),
		})
	}

	res, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/api/history?limit=2", nil), -1)
	require.NoError(t, err)
	defer res.Body.Close()

	var entries []storage.HistoryEntry
	require.NoError(t, json.NewDecoder(res.Body).Decode(&entries))
	assert.Equal(t, fiber.StatusOK, res.StatusCode)
	assert.Len(t, entries, 2)
	assert.Equal(t, "Teil 0", entries[0].Result.Title)

	_, err = s.app.Test(httptest.NewRequest(http.MethodGet, "/api/history?limit=100000", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, maxHistoryLimit, hist.limit)
}

func TestEventsRequiresUpgrade(t *testing.T) {
	s, _, _ := setupServer(t)

	code, _ := doRequest(t, s, httptest.NewRequest(http.MethodGet, "/ws/events", nil))

	assert.Equal(t, fiber.StatusUpgradeRequired, code)
}

func TestImageType(t *testing.T) {
	assert.Equal(t, "image/png", imageType("image/png; charset=binary"))
	assert.Empty(t, imageType("application/octet-stream"))
	assert.Empty(t, imageType(""))
}
