// SPDX-License-Identifier: MIT

// Package source implements MediaSource (spec §4.4): the manager for one
// channel's external decoder subprocess, including its state machine,
// backoff/jitter, transport-fallback ladder, and circuit breaker.
//
// Grounded on lyrebirdaudio-go's internal/stream/manager.go (state
// machine, buildFFmpegCommand, startFFmpeg/stop/force-kill-after-timeout)
// and internal/stream/backoff.go (Backoff), generalized from a single
// ALSA-to-RTSP audio pusher to Guardian's video/audio capture sources.
package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guardian-av/guardian/internal/channelid"
	"github.com/guardian-av/guardian/internal/procmon"
)

// State is MediaSource's current lifecycle state (spec §4.4).
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateRecovering
	StateCircuitOpen
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRecovering:
		return "recovering"
	case StateCircuitOpen:
		return "circuit-open"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Reason classifies why a MediaSource entered recovery.
type Reason string

const (
	ReasonStartTimeout      Reason = "start-timeout"
	ReasonStreamIdle        Reason = "stream-idle"
	ReasonWatchdogTimeout   Reason = "watchdog-timeout"
	ReasonStreamError       Reason = "stream-error"
	ReasonCorruptedFrame    Reason = "corrupted-frame"
	ReasonTransportFallback Reason = "transport-fallback"
	ReasonManualCircuitReset Reason = "manual-circuit-reset"
)

// ErrCircuitOpen is returned by Start while the circuit breaker is open.
var ErrCircuitOpen = errors.New("source: circuit breaker open")

// RecoverEvent is emitted whenever the source begins a restart cycle.
type RecoverEvent struct {
	Reason    Reason
	Attempt   int
	DelayMs   int64
	Meta      map[string]any
	Channel   string
	ErrorCode string
	ExitCode  *int
	Signal    string
	ID        uuid.UUID
}

// TransportFallbackEvent is emitted each time the video transport ladder
// advances.
type TransportFallbackEvent struct {
	From, To string
	Attempt  int
	Reason   string
	Channel  string
}

// Events are the callbacks a ChannelPipeline wires to a MediaSource.
// Callbacks run synchronously on goroutines the source owns: the first
// payload of each incarnation comes from the helper goroutine that waits
// for it, everything else from the capture loop. Callers that need to
// fan out further should do so asynchronously.
type Events struct {
	OnFrame             func(frame []byte)
	OnChunk             func(pcm []byte)
	OnRecover           func(RecoverEvent)
	OnTransportFallback func(TransportFallbackEvent)
	OnStopped           func()
}

// Process abstracts a running decoder subprocess so tests can inject a
// fake process without spawning a real binary.
type Process interface {
	Stdout() io.Reader
	Wait() error
	Signal(os.Signal) error
	Kill() error
	Pid() int
}

// cmdProcess adapts *exec.Cmd to Process.
type cmdProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
}

func (p *cmdProcess) Stdout() io.Reader   { return p.stdout }
func (p *cmdProcess) Wait() error         { return p.cmd.Wait() }
func (p *cmdProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
func (p *cmdProcess) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(sig)
}
func (p *cmdProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Spawner starts the decoder subprocess for the given args and returns a
// handle to it. The default spawner execs cfg.DecoderPath via os/exec.
type Spawner func(ctx context.Context, decoderPath string, args []string) (Process, error)

// DefaultSpawner execs decoderPath with args, piping stdout for framing.
func DefaultSpawner(ctx context.Context, decoderPath string, args []string) (Process, error) {
	cmd := exec.CommandContext(ctx, decoderPath, args...) // #nosec G204 -- decoderPath is operator-configured, not user input
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("source: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("source: start decoder: %w", err)
	}
	return &cmdProcess{cmd: cmd, stdout: stdout}, nil
}

// Config configures one MediaSource incarnation (spec §3 PipelineConfig,
// media-source-relevant subset).
type Config struct {
	Channel     channelid.ID
	SourceURI   string
	Transport   string // video only: preferred RTSP transport, e.g. "tcp"
	DecoderPath string
	DecoderArgs []string

	StartTimeout     time.Duration
	IdleTimeout      time.Duration
	WatchdogTimeout  time.Duration
	ForceKillTimeout time.Duration

	RestartDelayMs      int64
	RestartMaxDelayMs   int64
	RestartJitterFactor float64

	CircuitBreakerThreshold    int
	TransportFallbackThreshold int // video only

	FrameSize int // bytes read per demuxed video frame placeholder
	ChunkSize int // bytes read per demuxed audio chunk

	MonitorInterval time.Duration
	Monitor         *procmon.Monitor

	Logger *slog.Logger
}

func (c Config) validate() error {
	if c.Channel.IsZero() {
		return errors.New("source: channel is required")
	}
	if c.SourceURI == "" {
		return errors.New("source: source URI is required")
	}
	if c.DecoderPath == "" {
		return errors.New("source: decoder path is required")
	}
	if c.RestartDelayMs <= 0 || c.RestartMaxDelayMs < c.RestartDelayMs {
		return errors.New("source: invalid restart delay bounds")
	}
	if c.CircuitBreakerThreshold <= 0 {
		return errors.New("source: circuit breaker threshold must be positive")
	}
	return nil
}

// videoTransportLadder is the fixed, de-duplicated fallback order for
// RTSP transports (spec §4.4).
func videoTransportLadder(configured string) []string {
	order := []string{configured, "tcp", "udp", "http"}
	seen := make(map[string]bool)
	out := make([]string, 0, len(order))
	for _, t := range order {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// computeBackoff implements spec §4.4's published backoff formula:
// base_delay = clamp(delay_ms * 2^(attempt-1), min, max); apply symmetric
// jitter ± base*jitterFactor.
func computeBackoff(cfg Config, attempt int) (delayMs int64, meta map[string]any) {
	base := float64(cfg.RestartDelayMs) * math.Pow(2, float64(attempt-1))
	minD := float64(cfg.RestartDelayMs)
	maxD := float64(cfg.RestartMaxDelayMs)
	if base < minD {
		base = minD
	}
	if base > maxD {
		base = maxD
	}
	jitterRange := base * cfg.RestartJitterFactor
	jitter := (rand.Float64()*2 - 1) * jitterRange //nolint:gosec // timing jitter, not security-sensitive
	delay := base + jitter
	if delay < 0 {
		delay = 0
	}
	return int64(delay), map[string]any{
		"baseDelayMs":     base,
		"minDelayMs":      cfg.RestartDelayMs,
		"maxDelayMs":      cfg.RestartMaxDelayMs,
		"appliedJitterMs": jitter,
	}
}

// Base is the shared state machine and subprocess lifecycle used by the
// video and audio MediaSource variants.
type Base struct {
	cfg     Config
	events  Events
	spawner Spawner
	isVideo bool

	mu    sync.Mutex
	state State
	proc  Process
	cancelRun context.CancelFunc

	attempt             int
	consecutiveFailures int

	// video transport ladder
	ladder             []string
	ladderIdx          int
	transportFailures  int
	lastFrameOrChunkAt time.Time

	stopOnce sync.Once
	stopped  chan struct{}
}

func newBase(cfg Config, events Events, spawner Spawner, isVideo bool) (*Base, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if spawner == nil {
		spawner = DefaultSpawner
	}
	b := &Base{
		cfg: cfg, events: events, spawner: spawner, isVideo: isVideo,
		state: StateIdle, stopped: make(chan struct{}),
	}
	if isVideo {
		b.ladder = videoTransportLadder(cfg.Transport)
	}
	return b, nil
}

func (b *Base) logf(msg string, args ...any) {
	if b.cfg.Logger != nil {
		b.cfg.Logger.Info(msg, append([]any{"channel", b.cfg.Channel.Canonical()}, args...)...)
	}
}

// State returns the current lifecycle state.
func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Base) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// currentTransport returns the video transport currently in use, or ""
// for audio sources.
func (b *Base) currentTransport() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.isVideo || len(b.ladder) == 0 {
		return ""
	}
	return b.ladder[b.ladderIdx]
}

// Start launches the capture loop. It returns ErrCircuitOpen immediately
// if the circuit breaker is currently open. Start blocks until ctx is
// cancelled or the circuit opens from repeated failures.
func (b *Base) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.state == StateCircuitOpen {
		b.mu.Unlock()
		return ErrCircuitOpen
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancelRun = cancel
	b.stopped = make(chan struct{})
	b.stopOnce = sync.Once{}
	b.state = StateStarting
	b.mu.Unlock()

	return b.runLoop(runCtx)
}

func (b *Base) runLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			b.finishStopped()
			return ctx.Err()
		default:
		}

		if b.State() == StateCircuitOpen {
			b.finishRunExit()
			return ErrCircuitOpen
		}

		err := b.runOneIncarnation(ctx)
		if err == nil {
			b.finishStopped()
			return nil
		}
		if errors.Is(err, context.Canceled) {
			b.finishStopped()
			return err
		}
		if errors.Is(err, ErrCircuitOpen) {
			b.finishRunExit()
			return err
		}
		// Any other error: runOneIncarnation has already scheduled the
		// backoff wait; loop to retry.
	}
}

// finishRunExit closes the current incarnation's stopped channel and
// fires OnStopped without touching state; callers that already set a
// terminal state (e.g. circuit-open) keep it.
func (b *Base) finishRunExit() {
	b.mu.Lock()
	once := &b.stopOnce
	ch := b.stopped
	b.mu.Unlock()
	once.Do(func() { close(ch) })
	if b.events.OnStopped != nil {
		b.events.OnStopped()
	}
}

func (b *Base) finishStopped() {
	b.setState(StateStopped)
	b.finishRunExit()
}

// runOneIncarnation spawns the decoder, waits for first payload or
// start-timeout, then streams until idle-timeout/watchdog-timeout/exit,
// classifying the failure and applying backoff before returning.
func (b *Base) runOneIncarnation(ctx context.Context) error {
	args := b.buildArgs()
	proc, err := b.spawner(ctx, b.cfg.DecoderPath, args)
	if err != nil {
		return b.handleFailure(ctx, ReasonStreamError, err, "", nil)
	}
	b.mu.Lock()
	b.proc = proc
	b.mu.Unlock()

	if b.cfg.Monitor != nil && b.cfg.MonitorInterval > 0 {
		go b.cfg.Monitor.MonitorProcess(ctx, proc.Pid(), b.cfg.MonitorInterval, nil)
	}

	reader := bufio.NewReaderSize(proc.Stdout(), 64*1024)
	chunkSize := b.cfg.ChunkSize
	if b.isVideo {
		chunkSize = b.cfg.FrameSize
	}
	if chunkSize <= 0 {
		chunkSize = 4096
	}

	first := make(chan error, 1)
	go func() { first <- b.waitForFirstPayload(reader, chunkSize) }()

	startTimeout := b.cfg.StartTimeout
	if startTimeout <= 0 {
		startTimeout = 10 * time.Second
	}
	select {
	case err := <-first:
		if err != nil {
			_ = proc.Kill()
			return b.handleFailure(ctx, ReasonStartTimeout, err, "", nil)
		}
	case <-time.After(startTimeout):
		_ = proc.Kill()
		return b.handleFailure(ctx, ReasonStartTimeout, errors.New("no payload before start timeout"), "", nil)
	case <-ctx.Done():
		_ = proc.Kill()
		return ctx.Err()
	}

	b.setState(StateRunning)
	b.onSuccessfulTransport()

	return b.stream(ctx, reader, proc, chunkSize)
}

func (b *Base) waitForFirstPayload(reader *bufio.Reader, chunkSize int) error {
	buf := make([]byte, chunkSize)
	n, err := io.ReadFull(reader, buf)
	if n > 0 {
		b.emitPayload(buf[:n])
	}
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}
	return nil
}

func (b *Base) emitPayload(data []byte) {
	b.mu.Lock()
	b.lastFrameOrChunkAt = time.Now()
	b.mu.Unlock()
	if b.isVideo {
		if b.events.OnFrame != nil {
			b.events.OnFrame(data)
		}
	} else if b.events.OnChunk != nil {
		b.events.OnChunk(data)
	}
}

// stream reads payloads until idle/watchdog timeout or process exit.
func (b *Base) stream(ctx context.Context, reader *bufio.Reader, proc Process, chunkSize int) error {
	idleTimeout := b.cfg.IdleTimeout
	watchdogTimeout := b.cfg.WatchdogTimeout

	payloads := make(chan []byte, 1)
	readErrs := make(chan error, 1)
	go func() {
		for {
			buf := make([]byte, chunkSize)
			n, err := reader.Read(buf)
			if n > 0 {
				payloads <- buf[:n]
			}
			if err != nil {
				readErrs <- err
				return
			}
		}
	}()

	exited := make(chan error, 1)
	go func() { exited <- proc.Wait() }()

	idleTimer := newOptionalTimer(idleTimeout)
	watchdogTimer := newOptionalTimer(watchdogTimeout)
	defer idleTimer.Stop()
	defer watchdogTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			b.terminateGracefully(proc)
			<-exited
			return ctx.Err()

		case data := <-payloads:
			b.emitPayload(data)
			idleTimer.Reset(idleTimeout)
			watchdogTimer.Reset(watchdogTimeout)

		case <-idleTimer.C():
			b.terminateGracefully(proc)
			<-exited
			return b.handleFailure(ctx, ReasonStreamIdle, errors.New("stream idle timeout"), "", nil)

		case <-watchdogTimer.C():
			b.terminateGracefully(proc)
			<-exited
			return b.handleFailure(ctx, ReasonWatchdogTimeout, errors.New("watchdog timeout"), "", nil)

		case err := <-readErrs:
			// Reader hit EOF/error; wait for exit code to classify.
			exitErr := <-exited
			if exitErr == nil && errors.Is(err, io.EOF) {
				// clean exit with no process error: treat as a stream error
				// needing restart per spec (mid-run errors are always retried).
				return b.handleFailure(ctx, ReasonStreamError, errors.New("decoder exited"), "", nil)
			}
			return b.handleFailure(ctx, ReasonStreamError, exitErr, "", nil)
		}
	}
}

func (b *Base) terminateGracefully(proc Process) {
	_ = proc.Signal(os.Interrupt)
	timeout := b.cfg.ForceKillTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	go func() {
		t := time.NewTimer(timeout)
		defer t.Stop()
		<-t.C
		_ = proc.Kill()
	}()
}

// handleFailure classifies a failure, advances transport fallback (video
// only) or counts toward the circuit breaker, applies backoff, and emits
// a recover event. A failure that reaches the circuit-breaker threshold
// opens the circuit and emits its recover event with no delay and no
// backoff. It returns the classifying error back to the caller so
// runLoop knows whether to retry or stop.
func (b *Base) handleFailure(ctx context.Context, reason Reason, cause error, errorCode string, exitCode *int) error {
	b.mu.Lock()
	b.attempt++
	b.consecutiveFailures++
	attempt := b.attempt
	consecutive := b.consecutiveFailures
	b.mu.Unlock()

	if b.isVideo {
		if advanced, ladderErr := b.advanceTransportIfNeeded(); ladderErr != nil {
			b.openCircuit()
			return ErrCircuitOpen
		} else if advanced {
			reason = ReasonTransportFallback
		}
	}

	threshold := b.cfg.CircuitBreakerThreshold
	if consecutive >= threshold {
		b.openCircuit()
		if b.events.OnRecover != nil {
			rec := RecoverEvent{
				Reason: reason, Attempt: attempt, Channel: b.cfg.Channel.Canonical(),
				ErrorCode: errorCode, ExitCode: exitCode, ID: uuid.New(),
			}
			if cause != nil && rec.ErrorCode == "" {
				rec.ErrorCode = cause.Error()
			}
			b.events.OnRecover(rec)
		}
		return ErrCircuitOpen
	}

	delayMs, meta := computeBackoff(b.cfg, attempt)
	b.setState(StateRecovering)

	rec := RecoverEvent{
		Reason: reason, Attempt: attempt, DelayMs: delayMs, Meta: meta,
		Channel: b.cfg.Channel.Canonical(), ErrorCode: errorCode, ExitCode: exitCode,
		ID: uuid.New(),
	}
	if cause != nil && rec.ErrorCode == "" {
		rec.ErrorCode = cause.Error()
	}
	if b.events.OnRecover != nil {
		b.events.OnRecover(rec)
	}
	b.logf("recover scheduled", "reason", reason, "attempt", attempt, "delayMs", delayMs)

	select {
	case <-time.After(time.Duration(delayMs) * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}
	return cause
}

func (b *Base) onSuccessfulTransport() {
	b.mu.Lock()
	b.consecutiveFailures = 0
	b.transportFailures = 0
	b.mu.Unlock()
}

// advanceTransportIfNeeded bumps the current transport's failure count
// and advances the ladder once transportFallbackThreshold consecutive
// failures have occurred on it. Returns an error once the ladder is
// exhausted (caller should open the circuit).
func (b *Base) advanceTransportIfNeeded() (advanced bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.ladder) == 0 {
		return false, nil
	}
	b.transportFailures++
	threshold := b.cfg.TransportFallbackThreshold
	if threshold <= 0 {
		threshold = 3
	}
	if b.transportFailures < threshold {
		return false, nil
	}

	from := b.ladder[b.ladderIdx]
	if b.ladderIdx+1 >= len(b.ladder) {
		return false, fmt.Errorf("source: transport ladder exhausted after %s", from)
	}
	b.ladderIdx++
	b.transportFailures = 0
	to := b.ladder[b.ladderIdx]

	if b.events.OnTransportFallback != nil {
		b.events.OnTransportFallback(TransportFallbackEvent{
			From: from, To: to, Attempt: b.attempt, Reason: "consecutive-failure-threshold",
			Channel: b.cfg.Channel.Canonical(),
		})
	}
	return true, nil
}

func (b *Base) openCircuit() {
	b.setState(StateCircuitOpen)
}

// ResetCircuitBreaker closes the circuit if open, resetting the failure
// and transport-ladder counters. Returns true iff the breaker was
// actually open (spec §8 invariant).
func (b *Base) ResetCircuitBreaker() bool {
	b.mu.Lock()
	wasOpen := b.state == StateCircuitOpen
	if wasOpen {
		b.state = StateIdle
		b.consecutiveFailures = 0
		b.attempt = 0
		b.transportFailures = 0
	}
	b.mu.Unlock()
	return wasOpen
}

// ResetTransportFallback re-arms the transport ladder at its head.
// Video sources only; audio sources report false.
func (b *Base) ResetTransportFallback() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.isVideo || len(b.ladder) == 0 {
		return false
	}
	changed := b.ladderIdx != 0 || b.transportFailures != 0
	b.ladderIdx = 0
	b.transportFailures = 0
	return changed
}

// Stop requests a graceful shutdown and waits for it to complete. Stop is
// idempotent: a second call observes the first's completion.
func (b *Base) Stop() {
	b.mu.Lock()
	cancel := b.cancelRun
	ch := b.stopped
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if ch != nil {
		<-ch
	}
}

func (b *Base) buildArgs() []string {
	args := make([]string, 0, len(b.cfg.DecoderArgs)+2)
	if b.isVideo && b.currentTransport() != "" {
		args = append(args, "-rtsp_transport", b.currentTransport())
	}
	args = append(args, b.cfg.DecoderArgs...)
	args = append(args, "-i", b.cfg.SourceURI)
	return args
}

// optionalTimer wraps time.Timer so a zero duration disables the timer
// (its channel never fires) instead of firing immediately.
type optionalTimer struct {
	timer *time.Timer
	ch    chan time.Time
	d     time.Duration
}

func newOptionalTimer(d time.Duration) *optionalTimer {
	if d <= 0 {
		return &optionalTimer{ch: make(chan time.Time)}
	}
	return &optionalTimer{timer: time.NewTimer(d), d: d}
}

func (t *optionalTimer) C() <-chan time.Time {
	if t.timer == nil {
		return t.ch
	}
	return t.timer.C
}

func (t *optionalTimer) Reset(d time.Duration) {
	if t.timer == nil {
		return
	}
	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
	t.timer.Reset(d)
}

func (t *optionalTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}
