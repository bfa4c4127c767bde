package source

import (
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/guardian-av/guardian/internal/channelid"
)

func TestVideoTransportLadderOrderAndDedup(t *testing.T) {
	got := videoTransportLadder("TCP")
	want := []string{"tcp", "udp", "http"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	got = videoTransportLadder("")
	want = []string{"tcp", "udp", "http"}
	if len(got) != len(want) || got[0] != "tcp" {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestComputeBackoffClampsToBounds(t *testing.T) {
	cfg := Config{RestartDelayMs: 500, RestartMaxDelayMs: 5000, RestartJitterFactor: 0}

	delay, meta := computeBackoff(cfg, 1)
	if delay != 500 {
		t.Fatalf("attempt 1: got %d, want 500", delay)
	}
	if meta["baseDelayMs"] != 500.0 {
		t.Fatalf("unexpected meta: %v", meta)
	}

	delay, _ = computeBackoff(cfg, 4)
	if delay != 4000 {
		t.Fatalf("attempt 4: got %d, want 4000", delay)
	}

	delay, _ = computeBackoff(cfg, 20)
	if delay != 5000 {
		t.Fatalf("attempt 20: got %d, want clamped 5000", delay)
	}
}

func TestComputeBackoffJitterStaysWithinRange(t *testing.T) {
	cfg := Config{RestartDelayMs: 1000, RestartMaxDelayMs: 1000, RestartJitterFactor: 0.25}
	for i := 0; i < 50; i++ {
		delay, _ := computeBackoff(cfg, 1)
		if delay < 750 || delay > 1250 {
			t.Fatalf("delay %d out of expected jitter range [750,1250]", delay)
		}
	}
}

// fakePipeProcess is an in-memory Process backed by an io.Pipe, used to
// drive a source through its state machine without spawning a real
// decoder binary.
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

func (p *fakePipeProcess) Wait() error {
	return <-p.exited
}

func (p *fakePipeProcess) Signal(sig os.Signal) error {
	p.closeOnce(nil)
	return nil
}

func (p *fakePipeProcess) Kill() error {
	p.closeOnce(nil)
	return nil
}

func (p *fakePipeProcess) closeOnce(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.killed {
		return
	}
	p.killed = true
	_ = p.w.CloseWithError(io.EOF)
	p.exited <- err
}

func TestVideoSourceStartRunningStop(t *testing.T) {
	var proc *fakePipeProcess
	var mu sync.Mutex

	spawner := func(ctx context.Context, decoderPath string, args []string) (Process, error) {
		mu.Lock()
		proc = newFakePipeProcess()
		p := proc
		mu.Unlock()
		return p, nil
	}

	var framesMu sync.Mutex
	var frames int
	cfg := Config{
		Channel:             mustChannel(t, "cam01"),
		SourceURI:           "rtsp://example/cam",
		DecoderPath:         "ffmpeg",
		StartTimeout:        time.Second,
		RestartDelayMs:      10,
		RestartMaxDelayMs:   100,
		RestartJitterFactor: 0,
		CircuitBreakerThreshold: 5,
		FrameSize:           8,
	}
	events := Events{OnFrame: func([]byte) {
		framesMu.Lock()
		frames++
		framesMu.Unlock()
	}}

	vs, err := NewVideoSource(cfg, events, spawner)
	if err != nil {
		t.Fatalf("NewVideoSource: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- vs.Start(ctx) }()

	// Wait for the spawner to produce a process, then feed it a frame.
	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		p := proc
		mu.Unlock()
		if p != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("spawner never invoked")
		case <-time.After(time.Millisecond):
		}
	}

	mu.Lock()
	p := proc
	mu.Unlock()
	go func() { _, _ = p.w.Write(make([]byte, 8)) }()

	waitForState(t, vs.Base, StateRunning, 2*time.Second)

	framesMu.Lock()
	gotFrames := frames
	framesMu.Unlock()
	if gotFrames == 0 {
		t.Fatal("expected at least one frame emitted")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}
	if vs.State() != StateStopped {
		t.Fatalf("got state %v, want Stopped", vs.State())
	}
}

func TestResetCircuitBreakerOnlyWhenOpen(t *testing.T) {
	cfg := Config{
		Channel: mustChannel(t, "cam01"), SourceURI: "rtsp://x", DecoderPath: "ffmpeg",
		RestartDelayMs: 10, RestartMaxDelayMs: 10, CircuitBreakerThreshold: 1,
	}
	b, err := newBase(cfg, Events{}, DefaultSpawner, true)
	if err != nil {
		t.Fatalf("newBase: %v", err)
	}
	if b.ResetCircuitBreaker() {
		t.Fatal("expected no-op reset on a non-open breaker")
	}
	b.openCircuit()
	if !b.ResetCircuitBreaker() {
		t.Fatal("expected reset to report the breaker was open")
	}
	if b.State() != StateIdle {
		t.Fatalf("got %v, want Idle after reset", b.State())
	}
}

func mustChannel(t *testing.T, name string) channelid.ID {
	t.Helper()
	id := channelid.New(channelid.TypeVideo, name)
	if id.IsZero() {
		t.Fatalf("channelid.New(%q) returned Empty", name)
	}
	return id
}

func waitForState(t *testing.T, b *Base, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if b.State() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for state %v, last was %v", want, b.State())
		case <-time.After(time.Millisecond):
		}
	}
}
