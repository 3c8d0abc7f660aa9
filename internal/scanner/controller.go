// Package scanner runs the auto-scan loop: a fixed-interval capture and
// classify cycle with duplicate suppression, a daily quota gate and a halting
// state on rate-limit signals.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raine/werkaholic-scanner/internal/frame"
	"github.com/raine/werkaholic-scanner/internal/listing"
	"github.com/rs/zerolog/log"
)

const (
	DefaultInterval       = 18 * time.Second
	DefaultDwell          = 4 * time.Second
	DefaultDuplicateFlash = 2 * time.Second
)

// Classifier turns an encoded still frame into a listing.
type Classifier interface {
	Classify(ctx context.Context, imageData []byte, mimeType string) (*listing.ScanResult, error)
}

// FrameSource snapshots the current visual input.
type FrameSource interface {
	Capture(ctx context.Context) (*frame.Image, error)
}

// QuotaStore reads and advances the daily scan counter.
type QuotaStore interface {
	GetQuota(userID string) (listing.QuotaState, error)
	IncrementQuota(userID string) (listing.QuotaState, error)
}

// HistoryRecorder persists accepted results.
type HistoryRecorder interface {
	AddHistory(userID string, result *listing.ScanResult, manual bool) (string, error)
}

// Config holds the loop timings and the user the quota is charged to.
type Config struct {
	UserID          string
	Interval        time.Duration
	Dwell           time.Duration
	DuplicateFlash  time.Duration
	DuplicateWindow time.Duration
	// AutoStart starts the loop as soon as Run is called.
	AutoStart bool
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		UserID:          "local",
		Interval:        DefaultInterval,
		Dwell:           DefaultDwell,
		DuplicateFlash:  DefaultDuplicateFlash,
		DuplicateWindow: DefaultDuplicateWindow,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.UserID == "" {
		c.UserID = d.UserID
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Dwell <= 0 {
		c.Dwell = d.Dwell
	}
	if c.DuplicateFlash <= 0 {
		c.DuplicateFlash = d.DuplicateFlash
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = d.DuplicateWindow
	}
	return c
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock used for duplicate detection.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithHistory records accepted results.
func WithHistory(h HistoryRecorder) Option {
	return func(c *Controller) { c.history = h }
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdPause
	cmdResume
	cmdToggle
	cmdReset
	cmdTick
	cmdCapture
)

type command struct {
	kind  commandKind
	reply chan error
	// Manual captures only.
	image  *frame.Image
	result chan manualOutcome
}

type manualOutcome struct {
	result *listing.ScanResult
	err    error
}

type outcome struct {
	epoch  uint64
	manual bool
	result *listing.ScanResult
	err    error
	reply  chan manualOutcome
}

func (o outcome) respond(result *listing.ScanResult, err error) {
	if o.reply != nil {
		o.reply <- manualOutcome{result: result, err: err}
	}
}

// Controller owns the scan loop. All loop state is mutated by the goroutine
// running Run; other goroutines talk to it through commands and read the
// published Status.
type Controller struct {
	cfg        Config
	classifier Classifier
	source     FrameSource
	quota      QuotaStore
	history    HistoryRecorder
	now        func() time.Time

	cmds    chan command
	results chan outcome
	done    chan struct{}
	running atomic.Bool
	events  *broadcaster

	statusMu sync.RWMutex
	status   Status

	// Owned by the Run goroutine.
	runCtx       context.Context
	inflight     sync.WaitGroup
	state        LoopState
	analyzing    bool
	epoch        uint64
	preview      *listing.ScanResult
	duplicate    bool
	errMsg       string
	haltErr      error
	quotaState   listing.QuotaState
	lastSuccess  *LastSuccess
	ticker       *time.Ticker
	previewTimer *time.Timer
	dupTimer     *time.Timer
}

// New creates a controller. source may be nil when frames only arrive
// through Submit.
func New(cfg Config, classifier Classifier, source FrameSource, quota QuotaStore, opts ...Option) *Controller {
	c := &Controller{
		cfg:        cfg.withDefaults(),
		classifier: classifier,
		source:     source,
		quota:      quota,
		now:        time.Now,
		cmds:       make(chan command),
		results:    make(chan outcome, 1),
		done:       make(chan struct{}),
		events:     newBroadcaster(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run drives the loop until ctx is cancelled. It waits for an in-flight
// classification to return before exiting.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("scanner already running")
	}
	defer close(c.done)

	c.runCtx = ctx
	c.refreshQuota()
	c.publishStatus()

	log.Info().
		Str("userId", c.cfg.UserID).
		Dur("interval", c.cfg.Interval).
		Dur("dwell", c.cfg.Dwell).
		Msg("scan loop ready")

	if c.cfg.AutoStart {
		if err := c.start(); err != nil {
			log.Warn().Err(err).Msg("auto start refused")
		}
	}

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case cmd := <-c.cmds:
			c.handleCommand(cmd)
		case out := <-c.results:
			c.handleOutcome(out)
		case <-c.tickC():
			if err := c.tick(); err != nil && !errors.Is(err, ErrBusy) {
				log.Debug().Err(err).Msg("tick skipped")
			}
		case <-timerC(c.previewTimer):
			c.previewTimer = nil
			c.clearPreview()
		case <-timerC(c.dupTimer):
			c.dupTimer = nil
			c.duplicate = false
			c.publishStatus()
		}
	}
}

func (c *Controller) shutdown() {
	c.stopTicker()
	stopTimer(c.previewTimer)
	stopTimer(c.dupTimer)
	c.previewTimer, c.dupTimer = nil, nil
	c.inflight.Wait()
	c.events.close()
	log.Info().Msg("scan loop stopped")
}

// Start begins automatic capture from Idle or Paused. The first attempt
// fires immediately.
func (c *Controller) Start() error { return c.do(command{kind: cmdStart}) }

// Pause stops automatic capture. An in-flight result is discarded.
func (c *Controller) Pause() error { return c.do(command{kind: cmdPause}) }

// Resume continues automatic capture after Pause.
func (c *Controller) Resume() error { return c.do(command{kind: cmdResume}) }

// Toggle switches between Running and Paused.
func (c *Controller) Toggle() error { return c.do(command{kind: cmdToggle}) }

// Reset returns to Idle from any state, clearing a quota or rate-limit halt.
func (c *Controller) Reset() error { return c.do(command{kind: cmdReset}) }

// Tick runs the tick handler once and reports whether a capture attempt
// was started.
func (c *Controller) Tick() bool { return c.do(command{kind: cmdTick}) == nil }

// Capture grabs a frame from the source and classifies it, bypassing the
// interval and the duplicate filter.
func (c *Controller) Capture(ctx context.Context) (*listing.ScanResult, error) {
	return c.manual(ctx, nil)
}

// Submit classifies a supplied image like Capture.
func (c *Controller) Submit(ctx context.Context, img *frame.Image) (*listing.ScanResult, error) {
	if img == nil || len(img.Data) == 0 {
		return nil, frame.ErrNoFrame
	}
	return c.manual(ctx, img)
}

// Status returns the latest published snapshot.
func (c *Controller) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// Subscribe returns a channel of change notifications and a function that
// cancels the subscription. The channel is closed when the subscriber falls
// behind or the loop stops.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	return c.events.subscribe()
}

// Done is closed once Run has returned.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) do(cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return ErrStopped
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-c.done:
		select {
		case err := <-cmd.reply:
			return err
		default:
			return ErrStopped
		}
	}
}

func (c *Controller) manual(ctx context.Context, img *frame.Image) (*listing.ScanResult, error) {
	result := make(chan manualOutcome, 1)
	select {
	case c.cmds <- command{kind: cmdCapture, image: img, result: result}:
	case <-c.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case out := <-result:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		select {
		case out := <-result:
			return out.result, out.err
		default:
			return nil, ErrStopped
		}
	}
}

func (c *Controller) handleCommand(cmd command) {
	var err error
	switch cmd.kind {
	case cmdStart:
		err = c.start()
	case cmdPause:
		err = c.pause()
	case cmdResume:
		err = c.resume()
	case cmdToggle:
		switch c.state {
		case Running:
			err = c.pause()
		case Paused:
			err = c.resume()
		default:
			err = fmt.Errorf("%w: toggle from %s", ErrInvalidTransition, c.state)
		}
	case cmdReset:
		c.reset()
	case cmdTick:
		err = c.tick()
	case cmdCapture:
		if err := c.beginManual(cmd.image, cmd.result); err != nil {
			cmd.result <- manualOutcome{err: err}
		}
		return
	}
	cmd.reply <- err
}

func (c *Controller) start() error {
	if c.state != Idle && c.state != Paused {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, c.state)
	}
	c.refreshQuota()
	c.setState(Running)
	c.startTicker()
	if err := c.tick(); err != nil && !errors.Is(err, ErrBusy) {
		return err
	}
	return nil
}

func (c *Controller) pause() error {
	switch c.state {
	case Paused:
		return nil
	case Running:
		c.stopTicker()
		c.setState(Paused)
		return nil
	default:
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, c.state)
	}
}

func (c *Controller) resume() error {
	switch c.state {
	case Running:
		return nil
	case Paused:
		return c.start()
	default:
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, c.state)
	}
}

func (c *Controller) reset() {
	c.stopTicker()
	stopTimer(c.previewTimer)
	stopTimer(c.dupTimer)
	c.previewTimer, c.dupTimer = nil, nil

	c.epoch++
	c.preview = nil
	c.duplicate = false
	c.errMsg = ""
	c.haltErr = nil
	c.refreshQuota()
	c.setState(Idle)
}

func (c *Controller) setState(s LoopState) {
	prev := c.state
	c.state = s
	log.Info().Str("from", prev.String()).Str("to", s.String()).Msg("scan loop state changed")
	c.emit(Event{Type: EventStateChanged, Message: c.errMsg})
}

// tick starts an automatic attempt when the loop is running, nothing is in
// flight and no preview is pending.
func (c *Controller) tick() error {
	if c.state != Running {
		return fmt.Errorf("%w: tick while %s", ErrInvalidTransition, c.state)
	}
	if c.analyzing || c.preview != nil {
		return ErrBusy
	}
	if err := c.checkQuota(); err != nil {
		return err
	}
	c.launch(false, nil, nil)
	return nil
}

func (c *Controller) beginManual(img *frame.Image, reply chan manualOutcome) error {
	if c.state == QuotaExceeded {
		return c.haltErr
	}
	if c.analyzing {
		return ErrBusy
	}
	if err := c.checkQuota(); err != nil {
		return err
	}
	c.launch(true, img, reply)
	return nil
}

// checkQuota refuses an attempt once the free ceiling is reached and halts
// the loop.
func (c *Controller) checkQuota() error {
	c.refreshQuota()
	if !c.quotaState.CeilingReached() {
		return nil
	}
	log.Warn().
		Str("userId", c.cfg.UserID).
		Int("scansUsed", c.quotaState.ScansUsed).
		Msg("daily scan quota reached")
	c.halt(ErrQuotaExceeded, msgQuotaExceeded)
	return ErrQuotaExceeded
}

func (c *Controller) refreshQuota() {
	if c.quota == nil {
		return
	}
	q, err := c.quota.GetQuota(c.cfg.UserID)
	if err != nil {
		log.Error().Err(err).Str("userId", c.cfg.UserID).Msg("failed to read quota")
		return
	}
	c.quotaState = q
}

func (c *Controller) halt(cause error, msg string) {
	c.stopTicker()
	c.haltErr = cause
	c.errMsg = msg
	c.setState(QuotaExceeded)
}

func (c *Controller) launch(manual bool, img *frame.Image, reply chan manualOutcome) {
	ctx := c.runCtx
	out := outcome{epoch: c.epoch, manual: manual, reply: reply}

	c.analyzing = true
	c.publishStatus()

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		out.result, out.err = c.analyze(ctx, img)
		select {
		case c.results <- out:
		case <-ctx.Done():
			out.respond(nil, ErrStopped)
		}
	}()
}

func (c *Controller) analyze(ctx context.Context, img *frame.Image) (*listing.ScanResult, error) {
	if img == nil {
		if c.source == nil {
			return nil, fmt.Errorf("no frame source configured: %w", frame.ErrNoFrame)
		}
		var err error
		img, err = c.source.Capture(ctx)
		if err != nil {
			return nil, &captureError{err: err}
		}
	}

	start := time.Now()
	result, err := c.classifier.Classify(ctx, img.Data, img.MIMEType)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, errors.New("classifier returned no result")
	}
	log.Debug().Dur("took", time.Since(start)).Bool("detected", result.Detected).Msg("frame classified")
	return result, nil
}

func (c *Controller) handleOutcome(out outcome) {
	c.analyzing = false

	if out.epoch != c.epoch {
		log.Debug().Bool("manual", out.manual).Msg("discarding result from before reset")
		out.respond(nil, ErrDiscarded)
		c.publishStatus()
		return
	}

	// Automatic results only count while the loop is running.
	if !out.manual && c.state != Running {
		log.Debug().Str("state", c.state.String()).Msg("discarding automatic result")
		c.publishStatus()
		return
	}

	if out.err != nil {
		c.handleFailure(out)
		return
	}

	if out.manual && c.state == QuotaExceeded {
		out.respond(nil, c.haltErr)
		c.publishStatus()
		return
	}

	result := out.result
	c.errMsg = ""

	if !result.Detected {
		log.Info().Bool("manual", out.manual).Str("reasoning", result.Reasoning).Msg("no item detected")
		c.emit(Event{Type: EventNotDetected, Result: result, Manual: out.manual})
		out.respond(result, nil)
		return
	}

	if !out.manual && c.lastSuccess != nil {
		elapsed := c.now().Sub(c.lastSuccess.At())
		if IsDuplicate(result.Title, c.lastSuccess.Title, elapsed, c.cfg.DuplicateWindow) {
			log.Info().
				Str("title", result.Title).
				Str("last", c.lastSuccess.Title).
				Dur("elapsed", elapsed).
				Msg("duplicate detection suppressed")
			c.flagDuplicate()
			c.resetTicker()
			c.emit(Event{Type: EventDuplicate, Result: result})
			return
		}
	}

	c.accept(result, out.manual)
	out.respond(result, nil)
}

func (c *Controller) handleFailure(out outcome) {
	var capErr *captureError
	if !errors.As(out.err, &capErr) && isRateLimit(out.err) {
		log.Warn().Err(out.err).Bool("manual", out.manual).Msg("vision api rate limited, halting scan loop")
		c.halt(ErrRateLimited, msgRateLimited)
		out.respond(nil, fmt.Errorf("%w: %v", ErrRateLimited, out.err))
		return
	}

	log.Error().Err(out.err).Bool("manual", out.manual).Msg("scan attempt failed")
	msg := msgAnalysisFail
	if errors.Is(out.err, frame.ErrNoFrame) {
		msg = msgNoFrame
	}
	c.errMsg = msg
	c.emit(Event{Type: EventError, Message: msg, Manual: out.manual})
	out.respond(nil, out.err)
}

func (c *Controller) accept(result *listing.ScanResult, manual bool) {
	c.lastSuccess = &LastSuccess{Title: result.Title, TimestampMillis: c.now().UnixMilli()}
	c.preview = result
	stopTimer(c.previewTimer)
	c.previewTimer = time.NewTimer(c.cfg.Dwell)

	if c.quota != nil {
		q, err := c.quota.IncrementQuota(c.cfg.UserID)
		if err != nil {
			log.Error().Err(err).Str("userId", c.cfg.UserID).Msg("failed to increment quota")
		} else {
			c.quotaState = q
		}
	}

	if c.history != nil {
		if _, err := c.history.AddHistory(c.cfg.UserID, result, manual); err != nil {
			log.Error().Err(err).Msg("failed to record scan history")
		}
	}

	log.Info().
		Str("title", result.Title).
		Str("price", result.PriceEstimate).
		Str("condition", string(result.Condition)).
		Bool("manual", manual).
		Int("scansUsed", c.quotaState.ScansUsed).
		Msg("scan accepted")

	c.emit(Event{Type: EventResult, Result: result, Manual: manual})
}

func (c *Controller) clearPreview() {
	c.preview = nil
	if c.state == Running {
		c.resetTicker()
	}
	c.emit(Event{Type: EventPreviewCleared})
}

func (c *Controller) flagDuplicate() {
	c.duplicate = true
	stopTimer(c.dupTimer)
	c.dupTimer = time.NewTimer(c.cfg.DuplicateFlash)
}

func (c *Controller) startTicker() {
	if c.ticker != nil {
		c.ticker.Reset(c.cfg.Interval)
		return
	}
	c.ticker = time.NewTicker(c.cfg.Interval)
}

func (c *Controller) resetTicker() {
	if c.ticker != nil {
		c.ticker.Reset(c.cfg.Interval)
	}
}

func (c *Controller) stopTicker() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
}

func (c *Controller) tickC() <-chan time.Time {
	if c.ticker == nil {
		return nil
	}
	return c.ticker.C
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (c *Controller) snapshot() Status {
	st := Status{
		State:     c.state,
		Analyzing: c.analyzing,
		Preview:   c.preview,
		Duplicate: c.duplicate,
		Error:     c.errMsg,
		Quota:     c.quotaState,
	}
	if c.lastSuccess != nil {
		ls := *c.lastSuccess
		st.LastSuccess = &ls
	}
	return st
}

func (c *Controller) publishStatus() Status {
	st := c.snapshot()
	c.statusMu.Lock()
	c.status = st
	c.statusMu.Unlock()
	return st
}

func (c *Controller) emit(ev Event) {
	ev.Status = c.publishStatus()
	ev.At = c.now()
	c.events.publish(ev)
}
