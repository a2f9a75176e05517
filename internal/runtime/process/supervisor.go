package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// SupervisorStatus represents the current state of a supervised process.
type SupervisorStatus string

const (
	StatusStopped  SupervisorStatus = "stopped"
	StatusStarting SupervisorStatus = "starting"
	StatusRunning  SupervisorStatus = "running"
	StatusFailed   SupervisorStatus = "failed"
)

// Supervisor defaults applied to zero values.
const (
	defaultRestartDelay    = 2 * time.Second
	defaultMaxRestartDelay = time.Minute
	defaultGracefulTimeout = 5 * time.Second
)

// SupervisorConfig holds configuration for one supervised subprocess.
type SupervisorConfig struct {
	// Name is a human-readable identifier for logging.
	Name string

	// Binary is the path to the executable.
	Binary string

	// Args are command-line arguments to pass to the binary.
	Args []string

	// Env are additional environment variables (key=value format),
	// appended to the parent's environment.
	Env []string

	// Output receives the child's stdout and stderr. If nil, output is
	// discarded. It must stay writable after the parent exits, so a file
	// is preferred over a pipe.
	Output io.Writer

	// RestartOnFailure enables automatic restart when the process exits
	// without Stop being called.
	RestartOnFailure bool

	// RestartDelay is the first delay before a restart. Each consecutive
	// failure doubles it up to MaxRestartDelay.
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration

	// MaxRestartAttempts limits restart attempts. 0 means unlimited.
	MaxRestartAttempts int

	// GracefulTimeout is how long to wait after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration

	// OnStart is called with the pid each time the process starts.
	OnStart func(pid int)

	// OnExit is called when the process exits unexpectedly.
	OnExit func(err error)
}

// Supervisor manages the lifecycle of one subprocess.
//
// The child runs in its own process group and is not tied to any context,
// so it keeps running if the supervisor is detached or the parent exits.
type Supervisor struct {
	config SupervisorConfig
	logger Logger

	mu           sync.RWMutex
	cmd          *exec.Cmd
	status       SupervisorStatus
	restartCount int
	lastError    error
	startTime    time.Time

	// quit is closed by Stop or Detach to end restarts.
	quit     chan struct{}
	quitOnce *sync.Once
	stopping bool
	done     chan struct{}
}

// NewSupervisor creates a supervisor with the given configuration.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaultRestartDelay
	}
	if cfg.MaxRestartDelay < cfg.RestartDelay {
		cfg.MaxRestartDelay = max(defaultMaxRestartDelay, cfg.RestartDelay)
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = defaultGracefulTimeout
	}
	if cfg.Output == nil {
		cfg.Output = io.Discard
	}

	return &Supervisor{
		config: cfg,
		logger: noopLogger{},
		status: StatusStopped,
	}
}

// SetLogger sets the logger for the supervisor.
func (s *Supervisor) SetLogger(logger Logger) {
	s.logger = logger
}

// Start launches the subprocess and begins monitoring it.
// Returns an error if the process fails to start.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.status == StatusRunning || s.status == StatusStarting {
		s.mu.Unlock()
		return fmt.Errorf("process %s is already running", s.config.Name)
	}
	s.status = StatusStarting
	s.stopping = false
	s.quit = make(chan struct{})
	s.quitOnce = new(sync.Once)
	s.done = make(chan struct{})
	s.mu.Unlock()

	if err := s.launch(); err != nil {
		s.mu.Lock()
		s.status = StatusFailed
		s.lastError = err
		close(s.done)
		s.mu.Unlock()
		return err
	}

	go s.monitor()
	return nil
}

// launch starts the subprocess once.
func (s *Supervisor) launch() error {
	s.logger.Debug("starting process", "name", s.config.Name, "binary", s.config.Binary)

	cmd := exec.Command(s.config.Binary, s.config.Args...) //nolint:gosec // binary comes from operator configuration
	// Own process group: Stop signals the whole group and the child
	// survives the parent's terminal signals.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), s.config.Env...)
	cmd.Stdout = s.config.Output
	cmd.Stderr = s.config.Output

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", s.config.Name, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.status = StatusRunning
	s.startTime = time.Now()
	s.mu.Unlock()

	s.logger.Info("process started", "name", s.config.Name, "pid", cmd.Process.Pid)
	if s.config.OnStart != nil {
		s.config.OnStart(cmd.Process.Pid)
	}
	return nil
}

// monitor waits for the process and restarts it on unexpected exits.
func (s *Supervisor) monitor() {
	defer close(s.done)

	for {
		s.mu.RLock()
		cmd, quit := s.cmd, s.quit
		s.mu.RUnlock()

		err := cmd.Wait()

		s.mu.Lock()
		stopping := s.stopping
		if stopping {
			s.status = StatusStopped
		} else {
			s.status = StatusFailed
			s.lastError = err
		}
		s.mu.Unlock()

		select {
		case <-quit:
			s.logger.Info("process stopped", "name", s.config.Name)
			return
		default:
		}

		s.logger.Warn("process exited unexpectedly", "name", s.config.Name, "error", err)
		if s.config.OnExit != nil {
			s.config.OnExit(err)
		}
		if !s.config.RestartOnFailure {
			return
		}

		s.mu.Lock()
		s.restartCount++
		attempt := s.restartCount
		s.mu.Unlock()

		if s.config.MaxRestartAttempts > 0 && attempt > s.config.MaxRestartAttempts {
			s.logger.Error("max restart attempts reached", "name", s.config.Name, "attempts", attempt-1)
			return
		}

		delay := s.backoffDelay(attempt)
		s.logger.Info("restarting process", "name", s.config.Name, "attempt", attempt, "delay", delay)

		select {
		case <-quit:
			return
		case <-time.After(delay):
		}

		for {
			err := s.launch()
			if err == nil {
				break
			}
			s.logger.Error("failed to restart process", "name", s.config.Name, "error", err)
			s.mu.Lock()
			s.lastError = err
			s.mu.Unlock()

			select {
			case <-quit:
				return
			case <-time.After(s.backoffDelay(attempt)):
			}
		}
	}
}

// backoffDelay doubles RestartDelay per attempt, capped at MaxRestartDelay.
func (s *Supervisor) backoffDelay(attempt int) time.Duration {
	delay := s.config.RestartDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.config.MaxRestartDelay {
			return s.config.MaxRestartDelay
		}
	}
	return delay
}

// Stop terminates the process group: SIGTERM, then SIGKILL after
// GracefulTimeout. Stopping a stopped supervisor is a no-op.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.quit == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	cmd, done := s.cmd, s.done
	s.mu.Unlock()
	s.closeQuit()

	select {
	case <-done:
		return nil
	default:
	}
	if cmd == nil || cmd.Process == nil {
		<-done
		return nil
	}

	pid := cmd.Process.Pid
	s.logger.Debug("stopping process", "name", s.config.Name, "pid", pid)
	if err := terminateGroup(pid, s.config.GracefulTimeout, done); err != nil {
		return fmt.Errorf("stopping %s: %w", s.config.Name, err)
	}
	<-done

	s.mu.Lock()
	s.status = StatusStopped
	s.mu.Unlock()
	return nil
}

// Detach stops supervising without signalling the process. The child keeps
// running and is no longer restarted.
func (s *Supervisor) Detach() {
	s.mu.RLock()
	started := s.quit != nil
	s.mu.RUnlock()
	if started {
		s.closeQuit()
	}
}

func (s *Supervisor) closeQuit() {
	s.mu.RLock()
	quit, once := s.quit, s.quitOnce
	s.mu.RUnlock()
	once.Do(func() { close(quit) })
}

// terminateGroup signals the process group led by pid. It returns once
// exited reports the process gone. exited may be nil, in which case
// liveness is polled.
func terminateGroup(pid int, grace time.Duration, exited <-chan struct{}) error {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("sending SIGTERM: %w", err)
	}
	if waitExit(pid, grace, exited) {
		return nil
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("sending SIGKILL: %w", err)
	}
	waitExit(pid, grace, exited)
	return nil
}

// waitExit waits up to timeout for the process to exit.
func waitExit(pid int, timeout time.Duration, exited <-chan struct{}) bool {
	if exited != nil {
		select {
		case <-exited:
			return true
		case <-time.After(timeout):
			return false
		}
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !alive(pid) {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return !alive(pid)
}

// Status returns the current status of the supervised process.
func (s *Supervisor) Status() SupervisorStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// IsRunning returns true if the process is currently running.
func (s *Supervisor) IsRunning() bool {
	return s.Status() == StatusRunning
}

// LastError returns the last error that caused the process to exit.
func (s *Supervisor) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// RestartCount returns the number of automatic restarts.
func (s *Supervisor) RestartCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restartCount
}

// PID returns the process ID, or 0 if never started.
func (s *Supervisor) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}

// SupervisorStats reports one supervised process.
type SupervisorStats struct {
	Name         string           `json:"name"`
	Status       SupervisorStatus `json:"status"`
	PID          int              `json:"pid,omitempty"`
	Uptime       time.Duration    `json:"uptime,omitempty"`
	RestartCount int              `json:"restart_count"`
	LastError    string           `json:"last_error,omitempty"`
}

// Stats returns current statistics for the process.
func (s *Supervisor) Stats() SupervisorStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := SupervisorStats{
		Name:         s.config.Name,
		Status:       s.status,
		RestartCount: s.restartCount,
	}
	if s.cmd != nil && s.cmd.Process != nil {
		stats.PID = s.cmd.Process.Pid
	}
	if s.status == StatusRunning {
		stats.Uptime = time.Since(s.startTime)
	}
	if s.lastError != nil {
		stats.LastError = s.lastError.Error()
	}
	return stats
}
