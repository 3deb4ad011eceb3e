// Package service runs the agent's background work against the backend:
// heartbeat and reconnection, queue draining, command polling and material
// snapshots.
package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"coffee-fleet/agent/internal/backoff"
	"coffee-fleet/agent/internal/client"
	"coffee-fleet/agent/internal/command"
	"coffee-fleet/agent/internal/config"
	"coffee-fleet/agent/internal/hal"
	"coffee-fleet/agent/internal/logger"
	"coffee-fleet/agent/internal/queue"
	"coffee-fleet/agent/internal/state"
	"coffee-fleet/clock"
	"coffee-fleet/protocol"

	cb "github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"
)

// Backend is the part of the sync client the supervisor drives.
type Backend interface {
	queue.Uploader
	Register(ctx context.Context, req protocol.RegisterRequest) (protocol.RegisterResponse, error)
	Status(ctx context.Context, report protocol.StatusReport) (protocol.StatusResponse, error)
	Pending(ctx context.Context) ([]protocol.PendingCommand, error)
}

type Settings struct {
	Heartbeat     time.Duration
	Poll          time.Duration
	Drain         time.Duration
	Material      time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

func SettingsFrom(c config.AppConfig) Settings {
	return Settings{
		Heartbeat:     c.Intervals.Heartbeat,
		Poll:          c.Intervals.Poll,
		Drain:         c.Intervals.Drain,
		Material:      c.Intervals.Material,
		ReconnectBase: c.Reconnect.Base,
		ReconnectMax:  c.Reconnect.Max,
	}
}

type Identity struct {
	DeviceID string
	Model    string
	Firmware string
}

type Supervisor struct {
	id      Identity
	backend Backend
	queue   *queue.Queue
	exec    *command.Executor
	machine hal.Machine
	clock   clock.Clock

	mu        sync.Mutex
	settings  Settings
	reconnect *backoff.Backoff

	offline    atomic.Bool
	registered atomic.Bool
	drainNow   chan struct{}
	pollNow    chan struct{}
}

func NewSupervisor(id Identity, backend Backend, q *queue.Queue, exec *command.Executor, machine hal.Machine, clk clock.Clock, st Settings) *Supervisor {
	s := &Supervisor{
		id:       id,
		backend:  backend,
		queue:    q,
		exec:     exec,
		machine:  machine,
		clock:    clk,
		settings: st,
		drainNow: make(chan struct{}, 1),
		pollNow:  make(chan struct{}, 1),
	}
	s.reconnect = s.reconnectPolicy(st).New()
	s.offline.Store(true)
	return s
}

func (s *Supervisor) reconnectPolicy(st Settings) backoff.Policy {
	return backoff.Policy{Base: st.ReconnectBase, Max: st.ReconnectMax, Jitter: 0.2}
}

// SetSettings applies reloaded intervals. Running loops pick them up on
// their next cycle.
func (s *Supervisor) SetSettings(st Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.ReconnectBase != s.settings.ReconnectBase || st.ReconnectMax != s.settings.ReconnectMax {
		s.reconnect = s.reconnectPolicy(st).New()
	}
	s.settings = st
}

func (s *Supervisor) current() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

func (s *Supervisor) nextReconnect() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnect.Next()
}

func (s *Supervisor) IsOffline() bool { return s.offline.Load() }

// setOffline reports whether connectivity changed.
func (s *Supervisor) setOffline(off bool) bool {
	state.SetOffline(off)
	return s.offline.Swap(off) != off
}

func (s *Supervisor) markOffline(err error) {
	if s.setOffline(true) {
		logger.Warnf("Backend unreachable, switching to offline mode: %v", err)
	}
}

func (s *Supervisor) markOnline(ctx context.Context) {
	if !s.setOffline(false) {
		return
	}
	logger.Info("Backend reachable, resuming sync")
	s.mu.Lock()
	s.reconnect.Reset()
	s.mu.Unlock()
	if n, err := s.queue.WakeBacklog(ctx); err != nil {
		logger.Errorf("Wake backlog: %v", err)
	} else if n > 0 {
		logger.Infof("Retrying %d backlogged entries", n)
	}
	trigger(s.drainNow)
	trigger(s.pollNow)
}

func trigger(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// register announces the device, retrying transient failures a few times.
func (s *Supervisor) register(ctx context.Context) error {
	req := protocol.RegisterRequest{DeviceID: s.id.DeviceID, Model: s.id.Model, Firmware: s.id.Firmware}
	b := s.reconnectPolicy(s.current()).New()
	resp, err := cb.Retry(ctx, func() (protocol.RegisterResponse, error) {
		resp, err := s.backend.Register(ctx, req)
		if err != nil && !client.IsTransient(err) {
			return resp, cb.Permanent(err)
		}
		return resp, err
	}, cb.WithBackOff(b.Unwrap()), cb.WithMaxTries(3), cb.WithMaxElapsedTime(0))
	if err != nil {
		return err
	}
	s.registered.Store(true)
	if resp.AlreadyRegistered {
		logger.Infof("Device %s already registered (%s)", resp.DeviceID, resp.State)
	} else {
		logger.Infof("Device %s registered", resp.DeviceID)
	}
	return nil
}

// HeartbeatOnce posts a status report. On failure the report is queued and
// the agent goes offline; the first success after that triggers a full sync.
func (s *Supervisor) HeartbeatOnce(ctx context.Context) error {
	report := protocol.StatusReport{Timestamp: s.clock.Now(), Firmware: s.id.Firmware}
	if tel, err := s.machine.Telemetry(ctx); err != nil {
		logger.Warnf("Read telemetry: %v", err)
	} else {
		temp := tel.Temperature
		report.Firmware = tel.Firmware
		report.Temperature = &temp
		report.Extra = tel.Extra
	}

	err := s.sendStatus(ctx, report)
	if err == nil {
		s.markOnline(ctx)
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	s.markOffline(err)
	if _, qerr := s.queue.EnqueueStatus(context.WithoutCancel(ctx), report); qerr != nil {
		logger.Errorf("Queue status report: %v", qerr)
	}
	return err
}

func (s *Supervisor) sendStatus(ctx context.Context, report protocol.StatusReport) error {
	if !s.registered.Load() {
		if err := s.register(ctx); err != nil {
			return err
		}
	}
	_, err := s.backend.Status(ctx, report)
	if client.IsNotFound(err) {
		logger.Warn("Backend does not know this device, registering again")
		s.registered.Store(false)
		if err = s.register(ctx); err == nil {
			_, err = s.backend.Status(ctx, report)
		}
	}
	return err
}

// DrainOnce uploads due queue entries. It does nothing while offline.
func (s *Supervisor) DrainOnce(ctx context.Context) (queue.DrainStats, error) {
	if s.IsOffline() {
		return queue.DrainStats{}, nil
	}
	st, err := s.queue.Drain(ctx, s.backend)
	if err != nil {
		return st, err
	}
	if st.Offline {
		s.markOffline(client.ErrOffline)
	}
	if st.Sent > 0 {
		state.SetLastSync(s.clock.Now())
		logger.Debugf("Drained %d entries (%d coalesced, %d failed)", st.Sent, st.Coalesced, st.Failed)
	}
	return st, nil
}

// PollOnce fetches pending commands, runs each through the executor and
// queues the results. It returns how many results were queued.
func (s *Supervisor) PollOnce(ctx context.Context) (int, error) {
	if s.IsOffline() {
		return 0, nil
	}
	cmds, err := s.backend.Pending(ctx)
	if err != nil {
		switch {
		case client.IsOffline(err):
			s.markOffline(err)
		case client.IsNotFound(err):
			s.registered.Store(false)
		}
		return 0, err
	}
	queued := 0
	for _, cmd := range cmds {
		if ctx.Err() != nil {
			break
		}
		res, dup, err := s.exec.Execute(ctx, cmd)
		if err != nil {
			logger.Errorf("Command %s (%s) not executed: %v", cmd.ID, cmd.Type, err)
			continue
		}
		if dup {
			logger.Infof("Command %s redelivered, reporting stored result", cmd.ID)
		}
		created, err := s.queue.EnqueueResult(context.WithoutCancel(ctx), res)
		if err != nil {
			logger.Errorf("Queue result of %s: %v", cmd.ID, err)
			continue
		}
		if created {
			queued++
		}
	}
	if queued > 0 {
		trigger(s.drainNow)
	}
	return queued, nil
}

// MaterialOnce queues a snapshot of the bin levels.
func (s *Supervisor) MaterialOnce(ctx context.Context) error {
	bins, err := s.machine.Bins(ctx)
	if err != nil {
		return err
	}
	report := protocol.MaterialReport{Timestamp: s.clock.Now(), Bins: bins}
	if _, err := s.queue.EnqueueMaterial(ctx, report); err != nil {
		return err
	}
	if !s.IsOffline() {
		trigger(s.drainNow)
	}
	return nil
}

// Run blocks until ctx is cancelled. Each loop finishes its current item
// before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.heartbeatLoop(ctx)
		return nil
	})
	g.Go(func() error {
		s.loop(ctx, "drain", func(st Settings) time.Duration { return st.Drain }, s.drainNow, func(ctx context.Context) error {
			_, err := s.DrainOnce(ctx)
			return err
		})
		return nil
	})
	g.Go(func() error {
		s.loop(ctx, "poll", func(st Settings) time.Duration { return st.Poll }, s.pollNow, func(ctx context.Context) error {
			_, err := s.PollOnce(ctx)
			return err
		})
		return nil
	})
	g.Go(func() error {
		if err := s.MaterialOnce(ctx); err != nil {
			logger.Warnf("material snapshot: %v", err)
		}
		s.loop(ctx, "material", func(st Settings) time.Duration { return st.Material }, nil, s.MaterialOnce)
		return nil
	})
	err := g.Wait()
	logger.Info("Supervisor stopped")
	return err
}

func (s *Supervisor) heartbeatLoop(ctx context.Context) {
	for {
		wait := s.current().Heartbeat
		if err := s.HeartbeatOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = s.nextReconnect()
			logger.Debugf("Next reconnect probe in %s", wait)
		}
		if !sleep(ctx, wait, nil) {
			return
		}
	}
}

func (s *Supervisor) loop(ctx context.Context, name string, interval func(Settings) time.Duration, wake <-chan struct{}, fn func(context.Context) error) {
	for {
		if !sleep(ctx, interval(s.current()), wake) {
			return
		}
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			logger.Warnf("%s: %v", name, err)
		}
	}
}

// sleep waits for d, a wake signal, or cancellation. It reports false on
// cancellation.
func sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	case <-wake:
		return true
	}
}
