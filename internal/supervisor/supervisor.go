// Package supervisor launches the backend application as a child process and
// tracks whether it is ready to receive traffic.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v3"

	"gallery-proxy/internal/config"
	"gallery-proxy/internal/metrics"
)

// Readiness is the outcome of a health probe. NotReady is the normal state
// while the backend boots, not a failure.
type Readiness struct {
	Ready  bool
	Reason string // why the backend is not ready; empty when Ready
}

func notReady(format string, args ...any) Readiness {
	return Readiness{Reason: fmt.Sprintf(format, args...)}
}

// Supervisor owns the single backend process for this proxy instance.
type Supervisor struct {
	cfg     config.BackendConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	probe   *http.Client

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cmd      *exec.Cmd
	done     chan struct{} // closed when cmd exits
	stopping bool
	restarts int
	restart  backoff.BackOff

	ready atomic.Bool
}

// New creates a Supervisor. The metrics parameter is optional.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	return &Supervisor{
		cfg:     cfg.Backend,
		logger:  logger.With("component", "supervisor"),
		metrics: m,
		probe: &http.Client{
			Transport: &http.Transport{Proxy: nil, DisableKeepAlives: true},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		ctx:     ctx,
		cancel:  cancel,
		restart: backoff.WithMaxRetries(bo, uint64(max(cfg.Backend.MaxRestarts, 0))), //nolint:gosec // non-negative
	}
}

// Start spawns the backend and returns without waiting for it to become
// ready. With no command configured the backend is assumed to be managed
// elsewhere and Start only logs.
func (s *Supervisor) Start() error {
	if len(s.cfg.Command) == 0 {
		s.logger.Info("no backend command configured; expecting an external backend", "addr", s.cfg.Addr())
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return errors.New("backend already started")
	}
	return s.spawnLocked()
}

func (s *Supervisor) spawnLocked() error {
	cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...) //nolint:gosec // command comes from operator config
	cmd.Env = mergeEnv(os.Environ(), s.cfg.Env)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start backend %q: %w", s.cfg.Command[0], err)
	}

	done := make(chan struct{})
	s.cmd = cmd
	s.done = done

	s.logger.Info("backend started",
		"pid", cmd.Process.Pid,
		"addr", s.cfg.Addr(),
		"command", s.cfg.Command[0],
	)

	go s.wait(cmd, done)
	return nil
}

// wait reaps the child and applies the restart policy.
func (s *Supervisor) wait(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	close(done)
	s.setReady(false)

	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()

	if stopping {
		s.logger.Info("backend exited", "pid", cmd.Process.Pid)
		return
	}

	s.logger.Warn("backend exited unexpectedly", "pid", cmd.Process.Pid, "err", err)
	if s.cfg.Restart {
		s.relaunch()
	}
}

// relaunch respawns the backend after the next restart backoff delay until
// a spawn succeeds, the restart budget runs out, or Stop is called.
func (s *Supervisor) relaunch() {
	for {
		s.mu.Lock()
		delay := s.restart.NextBackOff()
		s.mu.Unlock()

		if delay == backoff.Stop {
			s.logger.Error("backend restart limit reached; giving up", "max_restarts", s.cfg.MaxRestarts)
			return
		}

		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return
		}

		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()
			return
		}
		err := s.spawnLocked()
		if err == nil {
			s.restarts++
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Error("backend restart failed", "err", err)
			continue
		}

		if s.metrics != nil {
			s.metrics.BackendRestarts.Inc()
		}
		go s.AwaitReady(s.ctx, s.cfg.ReadyTimeout(), s.cfg.PollInterval())
		return
	}
}

// AwaitReady polls the backend health endpoint every interval until one probe
// succeeds or timeout elapses. On timeout it logs a warning and returns the
// last NotReady result; callers carry on and let requests fail individually.
func (s *Supervisor) AwaitReady(ctx context.Context, timeout, interval time.Duration) Readiness {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := backoff.NewTicker(backoff.NewConstantBackOff(interval))
	defer ticker.Stop()

	last := notReady("no probe completed")
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				s.logger.Warn("backend not ready before timeout; continuing anyway",
					"timeout", timeout,
					"attempts", attempts,
					"reason", last.Reason,
				)
			}
			return last
		case _, ok := <-ticker.C:
			if !ok {
				return last
			}
			attempts++
			last = s.Probe(ctx)
			if last.Ready {
				s.logger.Info("backend is ready", "attempts", attempts)
				return last
			}
			s.logger.Debug("waiting for backend", "attempt", attempts, "reason", last.Reason)
		}
	}
}

// Probe issues one request to the backend health path.
func (s *Supervisor) Probe(ctx context.Context) Readiness {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout())
	defer cancel()

	r := s.probeOnce(ctx)
	s.setReady(r.Ready)
	return r
}

func (s *Supervisor) probeOnce(ctx context.Context) Readiness {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.HealthURL(), http.NoBody)
	if err != nil {
		return notReady("build health request: %v", err)
	}

	resp, err := s.probe.Do(req)
	if err != nil {
		return notReady("health request failed: %v", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return notReady("health endpoint returned %d", resp.StatusCode)
	}
	return Readiness{Ready: true}
}

func (s *Supervisor) setReady(ready bool) {
	s.ready.Store(ready)
	if s.metrics != nil {
		if ready {
			s.metrics.BackendReady.Set(1)
		} else {
			s.metrics.BackendReady.Set(0)
		}
	}
}

// Ready reports the result of the most recent probe.
func (s *Supervisor) Ready() bool {
	return s.ready.Load()
}

// PID returns the current child's process id, or 0 when none is running.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	select {
	case <-s.done:
		return 0
	default:
		return s.cmd.Process.Pid
	}
}

// Restarts returns how many times the backend was relaunched.
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// Stop asks the backend to exit with SIGTERM and kills it if it is still
// running after the grace period or when ctx expires.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	s.stopping = true
	cmd, done := s.cmd, s.done
	s.mu.Unlock()

	if cmd == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	default:
	}

	s.logger.Info("stopping backend", "pid", cmd.Process.Pid)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = cmd.Process.Kill()
	}

	grace := time.NewTimer(s.cfg.StopGrace())
	defer grace.Stop()

	select {
	case <-done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	s.logger.Warn("backend did not exit in time; killing", "pid", cmd.Process.Pid)
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill backend: %w", err)
	}
	<-done
	return nil
}

// mergeEnv appends overrides to base in a stable order. exec.Cmd keeps the
// last value for duplicate keys, so overrides win.
func mergeEnv(base []string, overrides map[string]string) []string {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(keys))
	env = append(env, base...)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}
