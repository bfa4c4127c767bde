// SPDX-License-Identifier: MIT

// Package supervisor owns every ChannelPipeline the process runs (spec
// §4.9): it builds them from a GuardianConfig, applies hot-reloaded
// configuration with diff-based add/update/remove and rollback on
// failure, exposes the CLI-facing reset operations, and coordinates
// shutdown.
//
// Grounded on lyrebirdaudio-go's internal/supervisor/supervisor.go
// (Service/serviceEntry/runServiceLoop/shutdown-with-timeout shape),
// generalized from a static set of long-running Services to a
// dynamically reloadable map of ChannelPipelines keyed by channelid.ID.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/guardian-av/guardian/internal/channelid"
	"github.com/guardian-av/guardian/internal/config"
	"github.com/guardian-av/guardian/internal/pipeline"
	"github.com/guardian-av/guardian/internal/safego"
)

// State mirrors the teacher's ServiceState, generalized to the whole
// process rather than one service.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

const defaultShutdownTimeout = 10 * time.Second

// ShutdownHook is a named cleanup step run during Stop, tolerating
// individual failures the way the teacher's shutdown() tolerates a
// per-service stop error without aborting the rest.
type ShutdownHook struct {
	Name string
	Fn   func(ctx context.Context) error
}

// ShutdownHookResult reports one hook's outcome.
type ShutdownHookResult struct {
	Name string
	Err  error
}

// Config configures the Supervisor.
type Config struct {
	ShutdownTimeout time.Duration
	Deps            pipeline.Deps
	Logger          *slog.Logger
}

// DefaultConfig returns Config with the teacher's default shutdown
// timeout.
func DefaultConfig() Config {
	return Config{ShutdownTimeout: defaultShutdownTimeout}
}

// Supervisor owns the live set of ChannelPipelines and reacts to
// hot-reloaded configuration (spec §4.9).
type Supervisor struct {
	cfg Config

	mu        sync.Mutex
	state     State
	pipelines map[channelid.ID]*pipeline.ChannelPipeline
	hooks     []ShutdownHook
	runCtx    context.Context

	startedAt        time.Time
	shutdownDuration time.Duration

	guard *safego.Guard
}

// New builds a Supervisor. It owns no pipelines until Start is called.
func New(cfg Config) *Supervisor {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Supervisor{
		cfg:       cfg,
		state:     StateIdle,
		pipelines: make(map[channelid.ID]*pipeline.ChannelPipeline),
		guard:     safego.NewGuard(cfg.Logger, "supervisor.shutdown-hook"),
	}
}

// State reports the Supervisor's current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AddShutdownHook registers a named cleanup step run during Stop, in
// registration order, after all pipelines have been stopped.
func (s *Supervisor) AddShutdownHook(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, ShutdownHook{Name: name, Fn: fn})
}

// Start builds one ChannelPipeline per declared camera/microphone and
// starts each one. If any pipeline fails to build or start, every
// pipeline already started is torn down and Start returns the error
// (spec §4.9: "abort whole start... if any pipeline fails").
func (s *Supervisor) Start(ctx context.Context, cfg config.GuardianConfig) error {
	s.mu.Lock()
	if s.state == StateRunning || s.state == StateStarting {
		s.mu.Unlock()
		return errors.New("supervisor: already started")
	}
	s.state = StateStarting
	s.runCtx = ctx
	s.mu.Unlock()

	begin := time.Now()

	pcs, err := config.BuildPipelineConfigs(cfg)
	if err != nil {
		s.setState(StateIdle)
		return fmt.Errorf("supervisor: build pipeline configs: %w", err)
	}

	built := make(map[channelid.ID]*pipeline.ChannelPipeline, len(pcs))
	started := make([]*pipeline.ChannelPipeline, 0, len(pcs))
	for id, pc := range pcs {
		p, err := pipeline.New(pc, s.cfg.Deps)
		if err != nil {
			teardown(started)
			s.setState(StateIdle)
			return fmt.Errorf("supervisor: build pipeline %s: %w", id.Canonical(), err)
		}
		if err := p.Start(ctx); err != nil {
			teardown(started)
			s.setState(StateIdle)
			return fmt.Errorf("supervisor: start pipeline %s: %w", id.Canonical(), err)
		}
		built[id] = p
		started = append(started, p)
	}

	s.mu.Lock()
	s.pipelines = built
	s.startedAt = time.Now()
	s.state = StateRunning
	s.mu.Unlock()

	if s.cfg.Deps.Metrics != nil {
		s.cfg.Deps.Metrics.ObserveLatency("supervisor.startup", float64(time.Since(begin).Milliseconds()))
	}
	if s.cfg.Logger != nil {
		s.cfg.Logger.Info("supervisor started", "channels", len(built))
	}
	return nil
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func teardown(started []*pipeline.ChannelPipeline) {
	for _, p := range started {
		p.Stop()
	}
}

// ApplyConfig reacts to a hot-reloaded GuardianConfig (spec §4.9): it
// diffs the new per-channel PipelineConfigs against the currently
// running set. Channels missing from the new config are stopped and
// dropped; new channels are built and started; existing channels get
// update_options (which itself decides restart-vs-forward). If any
// step fails, pipelines newly started during this call are stopped and
// pipelines already updated are rolled back to their previous config,
// leaving the running set as it was before ApplyConfig was called.
func (s *Supervisor) ApplyConfig(ctx context.Context, newCfg config.GuardianConfig) error {
	newPCs, err := config.BuildPipelineConfigs(newCfg)
	if err != nil {
		return fmt.Errorf("supervisor: invalid reload config: %w", err)
	}

	s.mu.Lock()
	remaining := make(map[channelid.ID]*pipeline.ChannelPipeline, len(s.pipelines))
	for id, p := range s.pipelines {
		remaining[id] = p
	}
	s.mu.Unlock()

	var added []*pipeline.ChannelPipeline
	var updated []channelid.ID
	previous := make(map[channelid.ID]config.PipelineConfig)
	next := make(map[channelid.ID]*pipeline.ChannelPipeline, len(newPCs))

	rollback := func() {
		for _, p := range added {
			p.Stop()
		}
		for _, id := range updated {
			if p, ok := remaining[id]; ok {
				if _, err := p.UpdateOptions(ctx, previous[id]); err != nil && s.cfg.Logger != nil {
					s.cfg.Logger.Error("supervisor: rollback update_options failed", "channel", id.Canonical(), "error", err)
				}
			}
		}
		if s.cfg.Logger != nil {
			s.cfg.Logger.Warn("configuration rollback applied")
		}
	}

	for id, pc := range newPCs {
		existing, ok := remaining[id]
		if !ok {
			p, err := pipeline.New(pc, s.cfg.Deps)
			if err != nil {
				rollback()
				return fmt.Errorf("supervisor: build new pipeline %s: %w", id.Canonical(), err)
			}
			if err := p.Start(ctx); err != nil {
				rollback()
				return fmt.Errorf("supervisor: start new pipeline %s: %w", id.Canonical(), err)
			}
			added = append(added, p)
			next[id] = p
			continue
		}

		previous[id] = existing.Config()
		if _, err := existing.UpdateOptions(ctx, pc); err != nil {
			rollback()
			return fmt.Errorf("supervisor: update pipeline %s: %w", id.Canonical(), err)
		}
		updated = append(updated, id)
		next[id] = existing
		delete(remaining, id)
	}

	// Anything left in remaining was present before and absent from the
	// new config: the channel was removed.
	for id, p := range remaining {
		p.Stop()
		if s.cfg.Logger != nil {
			s.cfg.Logger.Info("pipeline removed by reload", "channel", id.Canonical())
		}
	}

	s.mu.Lock()
	s.pipelines = next
	s.mu.Unlock()
	return nil
}

// resolveChannel accepts a canonical ("video:lobby") or bare ("lobby")
// channel identifier and tries to resolve it against the running set,
// preferring a video interpretation then an audio one (spec §4.9:
// "accepts canonical or raw channel id (tries video: then audio:)").
func (s *Supervisor) resolveChannel(raw string) (*pipeline.ChannelPipeline, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, err := channelid.ParseCanonical(raw); err == nil {
		if p, ok := s.pipelines[id]; ok {
			return p, true
		}
	}
	if id := channelid.Parse(raw, channelid.TypeVideo); !id.IsZero() {
		if p, ok := s.pipelines[id]; ok {
			return p, true
		}
	}
	if id := channelid.Parse(raw, channelid.TypeAudio); !id.IsZero() {
		if p, ok := s.pipelines[id]; ok {
			return p, true
		}
	}
	return nil, false
}

// ResetCircuitBreaker resolves channel and closes its breaker if open,
// restarting the pipeline's MediaSource only when it actually was open
// (spec §4.9/§8).
func (s *Supervisor) ResetCircuitBreaker(ctx context.Context, channel string) (bool, error) {
	p, ok := s.resolveChannel(channel)
	if !ok {
		return false, fmt.Errorf("supervisor: unknown channel %q", channel)
	}
	return p.ResetCircuitBreaker(ctx), nil
}

// ResetTransportFallback resolves channel and re-arms its transport
// ladder (video channels only; returns false for audio channels).
func (s *Supervisor) ResetTransportFallback(channel string) (bool, error) {
	p, ok := s.resolveChannel(channel)
	if !ok {
		return false, fmt.Errorf("supervisor: unknown channel %q", channel)
	}
	return p.ResetTransportFallback(), nil
}

// ResetChannelHealth resolves channel and clears its classified
// severity.
func (s *Supervisor) ResetChannelHealth(channel string) (bool, error) {
	p, ok := s.resolveChannel(channel)
	if !ok {
		return false, fmt.Errorf("supervisor: unknown channel %q", channel)
	}
	return p.ResetChannelHealth(), nil
}

// PipelineSummary is a read-only view of one owned pipeline, for
// listing and health aggregation.
type PipelineSummary struct {
	Channel channelid.ID
	State   string
	Stats   pipeline.RestartSnapshot
}

// Pipelines returns a summary of every owned pipeline.
func (s *Supervisor) Pipelines() []PipelineSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PipelineSummary, 0, len(s.pipelines))
	for id, p := range s.pipelines {
		out = append(out, PipelineSummary{
			Channel: id,
			State:   p.State().String(),
			Stats:   p.RestartStats(),
		})
	}
	return out
}

// StartedAt returns when Start last completed successfully.
func (s *Supervisor) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// ShutdownDuration returns how long the most recent Stop call took.
func (s *Supervisor) ShutdownDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdownDuration
}

// Pipeline returns the owned pipeline for channel, if any.
func (s *Supervisor) Pipeline(id channelid.ID) (*pipeline.ChannelPipeline, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	return p, ok
}

// Stop stops every owned pipeline in parallel (bounded by ctx/the
// configured ShutdownTimeout, whichever is shorter), then runs
// registered shutdown hooks in order, tolerating individual failures,
// and transitions to Stopped (spec §4.9).
func (s *Supervisor) Stop(ctx context.Context) ([]ShutdownHookResult, error) {
	s.mu.Lock()
	if s.state == StateStopped || s.state == StateIdle {
		s.mu.Unlock()
		return nil, nil
	}
	s.state = StateStopping
	pipelines := make([]*pipeline.ChannelPipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		pipelines = append(pipelines, p)
	}
	hooks := append([]ShutdownHook(nil), s.hooks...)
	s.mu.Unlock()

	begin := time.Now()
	stopCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, p := range pipelines {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Stop()
		}()
	}
	allStopped := make(chan struct{})
	go func() {
		wg.Wait()
		close(allStopped)
	}()

	var stopErr error
	select {
	case <-allStopped:
	case <-stopCtx.Done():
		stopErr = fmt.Errorf("supervisor: shutdown timeout exceeded waiting for pipelines to stop")
		if s.cfg.Logger != nil {
			s.cfg.Logger.Error("shutdown deadline exceeded stopping pipelines")
		}
	}

	results := make([]ShutdownHookResult, 0, len(hooks))
	for _, h := range hooks {
		h := h
		var hookErr error
		s.guard.Run(func() {
			hookErr = h.Fn(stopCtx)
		})
		results = append(results, ShutdownHookResult{Name: h.Name, Err: hookErr})
		if hookErr != nil && s.cfg.Logger != nil {
			s.cfg.Logger.Error("shutdown hook failed", "hook", h.Name, "error", hookErr)
		}
	}

	s.mu.Lock()
	s.shutdownDuration = time.Since(begin)
	s.state = StateStopped
	s.mu.Unlock()

	if s.cfg.Deps.Metrics != nil {
		s.cfg.Deps.Metrics.ObserveLatency("supervisor.shutdown", float64(s.shutdownDuration.Milliseconds()))
	}
	return results, stopErr
}
