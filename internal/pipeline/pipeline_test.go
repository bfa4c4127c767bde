package pipeline

import (
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/guardian-av/guardian/internal/channelid"
	"github.com/guardian-av/guardian/internal/config"
	"github.com/guardian-av/guardian/internal/eventbus"
	"github.com/guardian-av/guardian/internal/metrics"
	"github.com/guardian-av/guardian/internal/severity"
	"github.com/guardian-av/guardian/internal/source"
)

// fakePipeProcess mirrors internal/source's test double: an io.Pipe
// backed Process so the pipeline can be driven without a real decoder.
type fakePipeProcess struct {
	mu     sync.Mutex
	r      *io.PipeReader
	w      *io.PipeWriter
	exited chan error
	killed bool
}

func newFakePipeProcess() *fakePipeProcess {
	r, w := io.Pipe()
	return &fakePipeProcess{r: r, w: w, exited: make(chan error, 1)}
}

func (p *fakePipeProcess) Stdout() io.Reader { return p.r }
func (p *fakePipeProcess) Pid() int          { return 4242 }
func (p *fakePipeProcess) Wait() error       { return <-p.exited }
func (p *fakePipeProcess) Signal(sig os.Signal) error {
	p.closeOnce()
	return nil
}
func (p *fakePipeProcess) Kill() error {
	p.closeOnce()
	return nil
}
func (p *fakePipeProcess) closeOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.killed {
		return
	}
	p.killed = true
	_ = p.w.CloseWithError(io.EOF)
	p.exited <- nil
}

func newSpawnerFactory() (source.Spawner, func() *fakePipeProcess) {
	var mu sync.Mutex
	var last *fakePipeProcess
	spawner := func(ctx context.Context, decoderPath string, args []string) (source.Process, error) {
		mu.Lock()
		last = newFakePipeProcess()
		p := last
		mu.Unlock()
		return p, nil
	}
	get := func() *fakePipeProcess {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
	return spawner, get
}

func testPipelineConfig(channel channelid.ID) config.PipelineConfig {
	return config.PipelineConfig{
		Channel:   channel,
		SourceURI: "rtsp://example/cam",
		Decoder:   config.DecoderConfig{Path: "ffmpeg"},
		Transport: "tcp",
		FPS:       10,
		Timeouts: config.TimeoutsConfig{
			StartMs: 1000, IdleMs: 0, WatchdogMs: 0, ForceKillMs: 100,
		},
		Restart: config.RestartConfig{
			DelayMs: 5, MaxDelayMs: 20, JitterFactor: 0,
			CircuitBreakerThreshold: 1, TransportFallbackThreshold: 100,
		},
		Motion: config.MotionConfig{Enabled: true, DiffThreshold: 10, AreaThreshold: 0.02, AreaInflation: 1.3,
			DebounceFrames: 1, BackoffFrames: 1, MinIntervalMs: 0, DeltaWindowSize: 4,
			TemporalMedianWindow: 4, TemporalMedianMargin: 0.15, TemporalMedianBackoffSmoothing: 0.35,
			NoiseWindowSize: 4, SmoothingFactor: 0.2, WarmupFrames: 0},
		Light: config.LightConfig{Enabled: false},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition never became true")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestChannelPipelineStartEmitsRestartOnCircuitOpen(t *testing.T) {
	ch := channelid.New(channelid.TypeVideo, "cam01")
	spawner, getProc := newSpawnerFactory()
	reg := metrics.New(metrics.WithSeverityConfig(severity.DefaultConfig()), metrics.WithHistoryLimit(8))

	p, err := New(testPipelineConfig(ch), Deps{
		Bus: eventbus.New(nil), Metrics: reg, Spawner: spawner,
		HistoryLimit: 8, SeverityConfig: severity.DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return getProc() != nil })
	// Kill the process to force a failure; circuit breaker threshold is
	// 1, so this single failure opens the circuit immediately.
	_ = getProc().Kill()

	waitFor(t, 2*time.Second, func() bool { return p.State() == source.StateCircuitOpen })

	snap := p.RestartStats()
	if snap.Total == 0 {
		t.Fatal("expected at least one recorded restart")
	}
}

func TestChannelPipelineResetCircuitBreakerRestartsOnlyWhenOpen(t *testing.T) {
	ch := channelid.New(channelid.TypeVideo, "cam01")
	spawner, getProc := newSpawnerFactory()
	reg := metrics.New(metrics.WithSeverityConfig(severity.DefaultConfig()), metrics.WithHistoryLimit(8))

	p, err := New(testPipelineConfig(ch), Deps{
		Bus: eventbus.New(nil), Metrics: reg, Spawner: spawner,
		HistoryLimit: 8, SeverityConfig: severity.DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if got := p.ResetCircuitBreaker(ctx); got {
		t.Fatal("expected no-op reset before the breaker ever opens")
	}

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return getProc() != nil })
	_ = getProc().Kill()
	waitFor(t, 2*time.Second, func() bool { return p.State() == source.StateCircuitOpen })

	if !p.ResetCircuitBreaker(ctx) {
		t.Fatal("expected reset to report the breaker was open")
	}
	waitFor(t, 2*time.Second, func() bool { return getProc() != nil })
	p.Stop()
}

func TestChannelPipelineUpdateOptionsThresholdOnlyNoRestart(t *testing.T) {
	ch := channelid.New(channelid.TypeVideo, "cam01")
	spawner, _ := newSpawnerFactory()
	reg := metrics.New(metrics.WithSeverityConfig(severity.DefaultConfig()), metrics.WithHistoryLimit(8))

	cfg := testPipelineConfig(ch)
	p, err := New(cfg, Deps{Bus: eventbus.New(nil), Metrics: reg, Spawner: spawner, HistoryLimit: 8, SeverityConfig: severity.DefaultConfig()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	next := cfg
	next.Motion.DiffThreshold = 40

	res, err := p.UpdateOptions(context.Background(), next)
	if err != nil {
		t.Fatalf("UpdateOptions: %v", err)
	}
	if res.RestartRequired {
		t.Fatal("expected detector-only change to not require a restart")
	}
	if p.Config().Motion.DiffThreshold != 40 {
		t.Fatalf("expected updated motion threshold to be applied, got %v", p.Config().Motion.DiffThreshold)
	}
}

func TestChannelPipelineUpdateOptionsSourceURIRequiresRestart(t *testing.T) {
	ch := channelid.New(channelid.TypeVideo, "cam01")
	spawner, _ := newSpawnerFactory()
	reg := metrics.New(metrics.WithSeverityConfig(severity.DefaultConfig()), metrics.WithHistoryLimit(8))

	cfg := testPipelineConfig(ch)
	p, err := New(cfg, Deps{Bus: eventbus.New(nil), Metrics: reg, Spawner: spawner, HistoryLimit: 8, SeverityConfig: severity.DefaultConfig()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	next := cfg
	next.SourceURI = "rtsp://example/other-cam"

	res, err := p.UpdateOptions(context.Background(), next)
	if err != nil {
		t.Fatalf("UpdateOptions: %v", err)
	}
	if !res.RestartRequired {
		t.Fatal("expected source URI change to require a restart")
	}
}
