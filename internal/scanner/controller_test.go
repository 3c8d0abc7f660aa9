package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/raine/werkaholic-scanner/internal/frame"
	"github.com/raine/werkaholic-scanner/internal/listing"
	"github.com/raine/werkaholic-scanner/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeResponse struct {
	result *listing.ScanResult
	err    error
}

// fakeClassifier replays responses in order and repeats the last one.
type fakeClassifier struct {
	mu        sync.Mutex
	calls     int
	responses []fakeResponse
	gate      chan struct{}
}

func newFakeClassifier(responses ...fakeResponse) *fakeClassifier {
	return &fakeClassifier{responses: responses}
}

func (f *fakeClassifier) Classify(ctx context.Context, imageData []byte, mimeType string) (*listing.ScanResult, error) {
	f.mu.Lock()
	f.calls++
	resp := f.responses[min(f.calls, len(f.responses))-1]
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return resp.result, resp.err
}

func (f *fakeClassifier) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memQuota struct {
	mu         sync.Mutex
	state      listing.QuotaState
	increments int
}

func (q *memQuota) GetQuota(userID string) (listing.QuotaState, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state, nil
}

func (q *memQuota) IncrementQuota(userID string) (listing.QuotaState, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.state.ScansUsed++
	q.increments++
	return q.state, nil
}

func (q *memQuota) Increments() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.increments
}

type memHistory struct {
	mu      sync.Mutex
	entries []historyEntry
}

type historyEntry struct {
	title  string
	manual bool
}

func (h *memHistory) AddHistory(userID string, result *listing.ScanResult, manual bool) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, historyEntry{title: result.Title, manual: manual})
	return "id", nil
}

func (h *memHistory) Entries() []historyEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]historyEntry(nil), h.entries...)
}

type staticSource struct{}

func (staticSource) Capture(ctx context.Context) (*frame.Image, error) {
	return frame.NewImage([]byte("jpeg"), "image/jpeg"), nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	c       *Controller
	events  <-chan Event
	clock   *fakeClock
	history *memHistory
}

func detected(title string) fakeResponse {
	return fakeResponse{result: &listing.ScanResult{
		Detected:      true,
		Title:         title,
		PriceEstimate: "40 €",
		Condition:     listing.ConditionGood,
	}}
}

func freeQuota(used int) *memQuota {
	return &memQuota{state: listing.QuotaState{Plan: listing.PlanFree, ScansUsed: used}}
}

// newHarness runs a controller whose interval never fires on its own, so
// attempts are driven by Start and Tick.
func newHarness(t *testing.T, cls Classifier, quota QuotaStore) *harness {
	t.Helper()
	return newHarnessWithSource(t, cls, quota, staticSource{})
}

func newHarnessWithSource(t *testing.T, cls Classifier, quota QuotaStore, source FrameSource) *harness {
	t.Helper()

	clock := &fakeClock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	history := &memHistory{}
	cfg := Config{
		UserID:          "anna",
		Interval:        time.Hour,
		Dwell:           10 * time.Millisecond,
		DuplicateFlash:  10 * time.Millisecond,
		DuplicateWindow: DefaultDuplicateWindow,
	}
	c := New(cfg, cls, source, quota, WithClock(clock.now), WithHistory(history))
	events, _ := c.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &harness{c: c, events: events, clock: clock, history: history}
}

func waitFor(t *testing.T, events <-chan Event, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event channel closed")
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

func ofType(typ EventType) func(Event) bool {
	return func(ev Event) bool { return ev.Type == typ }
}

func inState(s LoopState) func(Event) bool {
	return func(ev Event) bool { return ev.Type == EventStateChanged && ev.Status.State == s }
}

func TestStart_AcceptsFirstDetectionImmediately(t *testing.T) {
	cls := newFakeClassifier(detected("Bohrmaschine Bosch"))
	quota := freeQuota(0)
	h := newHarness(t, cls, quota)

	require.NoError(t, h.c.Start())

	ev := waitFor(t, h.events, ofType(EventResult))
	assert.Equal(t, "Bohrmaschine Bosch", ev.Result.Title)
	assert.False(t, ev.Manual)
	assert.Equal(t, Running, ev.Status.State)
	require.NotNil(t, ev.Status.Preview)
	assert.Equal(t, 1, ev.Status.Quota.ScansUsed)
	require.NotNil(t, ev.Status.LastSuccess)
	assert.Equal(t, "Bohrmaschine Bosch", ev.Status.LastSuccess.Title)
	assert.Equal(t, h.clock.now().UnixMilli(), ev.Status.LastSuccess.TimestampMillis)

	cleared := waitFor(t, h.events, ofType(EventPreviewCleared))
	assert.Nil(t, cleared.Status.Preview)
	assert.Equal(t, Running, cleared.Status.State)

	assert.Equal(t, []historyEntry{{title: "Bohrmaschine Bosch", manual: false}}, h.history.Entries())
	assert.Equal(t, 1, cls.Calls())
}

func TestDuplicateWithinWindowIsSuppressed(t *testing.T) {
	cls := newFakeClassifier(detected("Bohrmaschine Bosch"), detected("bohrmaschine bosch professional"))
	quota := freeQuota(0)
	h := newHarness(t, cls, quota)

	require.NoError(t, h.c.Start())
	first := waitFor(t, h.events, ofType(EventResult))
	waitFor(t, h.events, ofType(EventPreviewCleared))

	h.clock.advance(5 * time.Second)
	require.True(t, h.c.Tick())

	ev := waitFor(t, h.events, ofType(EventDuplicate))
	assert.True(t, ev.Status.Duplicate)
	assert.Nil(t, ev.Status.Preview)
	assert.Equal(t, Running, ev.Status.State)
	assert.Equal(t, *first.Status.LastSuccess, *ev.Status.LastSuccess, "last success unchanged")
	assert.Equal(t, 1, ev.Status.Quota.ScansUsed, "duplicates are not charged")
	assert.Equal(t, 1, quota.Increments())
	assert.Len(t, h.history.Entries(), 1)

	require.Eventually(t, func() bool { return !h.c.Status().Duplicate }, time.Second, 5*time.Millisecond)
}

func TestSimilarTitleAfterWindowIsAccepted(t *testing.T) {
	cls := newFakeClassifier(detected("Bohrmaschine Bosch"), detected("bohrmaschine bosch professional"))
	quota := freeQuota(0)
	h := newHarness(t, cls, quota)

	require.NoError(t, h.c.Start())
	waitFor(t, h.events, ofType(EventResult))
	waitFor(t, h.events, ofType(EventPreviewCleared))

	h.clock.advance(35 * time.Second)
	require.True(t, h.c.Tick())

	ev := waitFor(t, h.events, ofType(EventResult))
	assert.Equal(t, "bohrmaschine bosch professional", ev.Result.Title)
	assert.Equal(t, "bohrmaschine bosch professional", ev.Status.LastSuccess.Title)
	assert.Equal(t, 2, ev.Status.Quota.ScansUsed)
}

func TestFreeCeiling_ManualCaptureRefusedBeforeClassifier(t *testing.T) {
	cls := newFakeClassifier(detected("Hammer"))
	quota := freeQuota(listing.FreeDailyScans)
	h := newHarness(t, cls, quota)

	_, err := h.c.Capture(context.Background())
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	_, err = h.c.Submit(context.Background(), frame.NewImage([]byte("png"), "image/png"))
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	assert.Equal(t, 0, cls.Calls())
	assert.Equal(t, 0, quota.Increments())
	st := h.c.Status()
	assert.Equal(t, QuotaExceeded, st.State)
	assert.Equal(t, listing.FreeDailyScans, st.Quota.ScansUsed)
	assert.Equal(t, msgQuotaExceeded, st.Error)
}

func TestFreeCeiling_AutomaticAttemptHalts(t *testing.T) {
	cls := newFakeClassifier(detected("Hammer"))
	h := newHarness(t, cls, freeQuota(listing.FreeDailyScans))

	err := h.c.Start()
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	waitFor(t, h.events, inState(QuotaExceeded))

	assert.False(t, h.c.Tick())
	assert.Equal(t, 0, cls.Calls())
	assert.ErrorIs(t, h.c.Pause(), ErrInvalidTransition)
	assert.ErrorIs(t, h.c.Resume(), ErrInvalidTransition)
}

func TestFreeCeiling_ReachedByAcceptedScanHaltsNextAttempt(t *testing.T) {
	cls := newFakeClassifier(detected("Hammer"), detected("Stichsäge"))
	h := newHarness(t, cls, freeQuota(listing.FreeDailyScans-1))

	require.NoError(t, h.c.Start())
	ev := waitFor(t, h.events, ofType(EventResult))
	assert.True(t, ev.Status.Quota.CeilingReached())
	waitFor(t, h.events, ofType(EventPreviewCleared))

	assert.False(t, h.c.Tick())
	assert.Equal(t, QuotaExceeded, h.c.Status().State)
	assert.Equal(t, 1, cls.Calls())
}

func TestProPlanIsNeverRefused(t *testing.T) {
	cls := newFakeClassifier(detected("Hammer"))
	quota := &memQuota{state: listing.QuotaState{Plan: listing.PlanPro, ScansUsed: 500}}
	h := newHarness(t, cls, quota)

	result, err := h.c.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Hammer", result.Title)
	waitFor(t, h.events, ofType(EventPreviewCleared))

	require.NoError(t, h.c.Start())
	waitFor(t, h.events, func(ev Event) bool { return ev.Type == EventResult && !ev.Manual })

	assert.Equal(t, 2, cls.Calls())
	assert.Equal(t, 502, h.c.Status().Quota.ScansUsed)
}

func TestRateLimitHaltsUntilReset(t *testing.T) {
	cls := newFakeClassifier(
		fakeResponse{err: errors.New("Error 429, Message: Resource has been exhausted, Status: RESOURCE_EXHAUSTED")},
		detected("Hammer"),
	)
	h := newHarness(t, cls, freeQuota(0))

	require.NoError(t, h.c.Start())
	ev := waitFor(t, h.events, inState(QuotaExceeded))
	assert.Equal(t, msgRateLimited, ev.Status.Error)
	assert.Equal(t, msgRateLimited, ev.Message)

	assert.False(t, h.c.Tick(), "no automatic attempts while halted")
	_, err := h.c.Capture(context.Background())
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.ErrorIs(t, h.c.Start(), ErrInvalidTransition)
	assert.Equal(t, 1, cls.Calls())

	require.NoError(t, h.c.Reset())
	st := h.c.Status()
	assert.Equal(t, Idle, st.State)
	assert.Empty(t, st.Error)

	require.NoError(t, h.c.Start())
	res := waitFor(t, h.events, ofType(EventResult))
	assert.Equal(t, "Hammer", res.Result.Title)
	assert.Equal(t, 2, cls.Calls())
}

type quotaSignal struct{}

func (quotaSignal) Error() string     { return "upstream refused" }
func (quotaSignal) RateLimited() bool { return true }

func TestManualRateLimitHalts(t *testing.T) {
	cls := newFakeClassifier(fakeResponse{err: quotaSignal{}})
	h := newHarness(t, cls, freeQuota(0))

	_, err := h.c.Capture(context.Background())
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, QuotaExceeded, h.c.Status().State)
}

type failingSource struct {
	err error
}

func (s failingSource) Capture(ctx context.Context) (*frame.Image, error) {
	return nil, s.err
}

func TestCaptureFailureKeepsRunning(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"no frame yet", frame.ErrNoFrame, msgNoFrame},
		{"camera answers 429", errors.New("snapshot request failed: status 429"), msgAnalysisFail},
		{"file name with 429", errors.New("failed to read frame /photos/IMG_4291.jpg: permission denied"), msgAnalysisFail},
		{"rate limit in text", errors.New("camera proxy: rate limit exceeded"), msgAnalysisFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls := newFakeClassifier(detected("Hammer"))
			h := newHarnessWithSource(t, cls, freeQuota(0), failingSource{err: tt.err})

			require.NoError(t, h.c.Start())

			ev := waitFor(t, h.events, ofType(EventError))
			assert.Equal(t, tt.wantMsg, ev.Message)

			st := h.c.Status()
			assert.Equal(t, Running, st.State)
			assert.Equal(t, tt.wantMsg, st.Error)
			assert.Equal(t, 0, cls.Calls())
		})
	}
}

func TestManualCaptureFailureIsNotRateLimit(t *testing.T) {
	cls := newFakeClassifier(detected("Hammer"))
	h := newHarnessWithSource(t, cls, freeQuota(0), failingSource{err: errors.New("status 429")})

	_, err := h.c.Capture(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, Idle, h.c.Status().State)
}

func TestReentrantTicksCallClassifierOnce(t *testing.T) {
	cls := newFakeClassifier(detected("Hammer"))
	cls.gate = make(chan struct{})
	h := newHarness(t, cls, freeQuota(0))

	require.NoError(t, h.c.Start())
	assert.True(t, h.c.Status().Analyzing)
	assert.False(t, h.c.Tick())
	assert.False(t, h.c.Tick())

	_, err := h.c.Capture(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	close(cls.gate)
	waitFor(t, h.events, ofType(EventResult))
	assert.Equal(t, 1, cls.Calls())
}

func TestPauseDiscardsInFlightResult(t *testing.T) {
	cls := newFakeClassifier(detected("Hammer"))
	cls.gate = make(chan struct{})
	quota := freeQuota(0)
	h := newHarness(t, cls, quota)

	require.NoError(t, h.c.Start())
	require.NoError(t, h.c.Pause())
	close(cls.gate)

	require.Eventually(t, func() bool { return !h.c.Status().Analyzing }, time.Second, 5*time.Millisecond)

	st := h.c.Status()
	assert.Equal(t, Paused, st.State)
	assert.Nil(t, st.Preview)
	assert.Nil(t, st.LastSuccess)
	assert.Equal(t, 0, quota.Increments())
	assert.Empty(t, h.history.Entries())
}

func TestResetDiscardsInFlightManualResult(t *testing.T) {
	cls := newFakeClassifier(detected("Hammer"))
	cls.gate = make(chan struct{})
	quota := freeQuota(0)
	h := newHarness(t, cls, quota)

	errCh := make(chan error, 1)
	go func() {
		_, err := h.c.Capture(context.Background())
		errCh <- err
	}()
	require.Eventually(t, func() bool { return h.c.Status().Analyzing }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.c.Reset())
	close(cls.gate)

	assert.ErrorIs(t, <-errCh, ErrDiscarded)
	assert.Equal(t, 0, quota.Increments())
}

func TestTransientErrorKeepsRunning(t *testing.T) {
	cls := newFakeClassifier(
		fakeResponse{err: errors.New("connection reset by peer")},
		detected("Hammer"),
	)
	h := newHarness(t, cls, freeQuota(0))

	require.NoError(t, h.c.Start())
	ev := waitFor(t, h.events, ofType(EventError))
	assert.Equal(t, Running, ev.Status.State)
	assert.Equal(t, msgAnalysisFail, ev.Status.Error)

	require.True(t, h.c.Tick())
	res := waitFor(t, h.events, ofType(EventResult))
	assert.Empty(t, res.Status.Error, "success clears the transient error")
}

func TestNotDetectedIsNoOp(t *testing.T) {
	cls := newFakeClassifier(fakeResponse{result: &listing.ScanResult{Detected: false}})
	quota := freeQuota(3)
	h := newHarness(t, cls, quota)

	require.NoError(t, h.c.Start())
	ev := waitFor(t, h.events, ofType(EventNotDetected))
	assert.Equal(t, Running, ev.Status.State)
	assert.Nil(t, ev.Status.LastSuccess)
	assert.Equal(t, 3, ev.Status.Quota.ScansUsed)
	assert.Equal(t, 0, quota.Increments())

	assert.True(t, h.c.Tick(), "next attempt is allowed right away")
}

func TestManualCaptureSkipsDuplicateFilter(t *testing.T) {
	cls := newFakeClassifier(detected("Bohrmaschine Bosch"))
	quota := freeQuota(0)
	h := newHarness(t, cls, quota)

	_, err := h.c.Capture(context.Background())
	require.NoError(t, err)
	h.clock.advance(time.Second)
	result, err := h.c.Submit(context.Background(), frame.NewImage([]byte("png"), "image/png"))
	require.NoError(t, err)
	assert.Equal(t, "Bohrmaschine Bosch", result.Title)

	assert.Equal(t, 2, quota.Increments())
	assert.Equal(t, []historyEntry{
		{title: "Bohrmaschine Bosch", manual: true},
		{title: "Bohrmaschine Bosch", manual: true},
	}, h.history.Entries())
	assert.Equal(t, Idle, h.c.Status().State, "manual capture does not start the loop")
}

func TestSubmitRejectsEmptyImage(t *testing.T) {
	h := newHarness(t, newFakeClassifier(detected("Hammer")), freeQuota(0))
	_, err := h.c.Submit(context.Background(), nil)
	assert.ErrorIs(t, err, frame.ErrNoFrame)
	_, err = h.c.Submit(context.Background(), &frame.Image{})
	assert.ErrorIs(t, err, frame.ErrNoFrame)
}

func TestTransitions(t *testing.T) {
	cls := newFakeClassifier(fakeResponse{result: &listing.ScanResult{Detected: false}})
	h := newHarness(t, cls, freeQuota(0))

	assert.ErrorIs(t, h.c.Pause(), ErrInvalidTransition)
	assert.ErrorIs(t, h.c.Resume(), ErrInvalidTransition)
	assert.ErrorIs(t, h.c.Toggle(), ErrInvalidTransition)

	require.NoError(t, h.c.Start())
	assert.ErrorIs(t, h.c.Start(), ErrInvalidTransition)
	require.NoError(t, h.c.Resume(), "resume while running is a no-op")

	require.NoError(t, h.c.Toggle())
	assert.Equal(t, Paused, h.c.Status().State)
	require.NoError(t, h.c.Pause(), "pause while paused is a no-op")
	assert.False(t, h.c.Tick())

	require.NoError(t, h.c.Toggle())
	assert.Equal(t, Running, h.c.Status().State)

	require.NoError(t, h.c.Reset())
	assert.Equal(t, Idle, h.c.Status().State)
}

func TestStopClosesSubscribers(t *testing.T) {
	c := New(Config{Interval: time.Hour}, newFakeClassifier(detected("Hammer")), staticSource{}, freeQuota(0))
	events, _ := c.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.NoError(t, c.Reset())
	cancel()
	require.NoError(t, <-done)

	for range events {
	}
	assert.ErrorIs(t, c.Start(), ErrStopped)
	_, err := c.Capture(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.Error(t, c.Run(context.Background()), "run is single use")
}

func TestStopWaitsForInFlightClassification(t *testing.T) {
	cls := newFakeClassifier(detected("Hammer"))
	cls.gate = make(chan struct{})
	c := New(Config{Interval: time.Hour}, cls, staticSource{}, freeQuota(0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.NoError(t, c.Start())
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, cls.Calls())
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, 18*time.Second, cfg.Interval)
	assert.Equal(t, 4*time.Second, cfg.Dwell)
	assert.Equal(t, 2*time.Second, cfg.DuplicateFlash)
	assert.Equal(t, 30*time.Second, cfg.DuplicateWindow)
}

func TestWithSQLiteStore(t *testing.T) {
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	cls := newFakeClassifier(detected("Akkuschrauber Makita"))
	c := New(Config{UserID: "anna", Interval: time.Hour, Dwell: time.Hour}, cls, staticSource{}, store, WithHistory(store))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	result, err := c.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Akkuschrauber Makita", result.Title)

	q, err := store.GetQuota("anna")
	require.NoError(t, err)
	assert.Equal(t, 1, q.ScansUsed)

	entries, err := store.ListHistory("anna", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Manual)
	assert.Equal(t, "Akkuschrauber Makita", entries[0].Result.Title)
}
