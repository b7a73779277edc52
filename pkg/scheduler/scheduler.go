// Package scheduler drives Engine cycles: a single run-once mode and a
// continuous mode with inter-cycle sleeps, 2FA exponential back-off,
// periodic maintenance, and graceful shutdown on SIGINT/SIGTERM.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/mitchellh/copystructure"

	"github.com/HenningUe/iphoto-downloader/pkg/syncengine"
	"github.com/HenningUe/iphoto-downloader/pkg/tracker"
)

const (
	ModeSingle     = "single"
	ModeContinuous = "continuous"
)

const (
	backoffBase = 8 * time.Minute
	backoffCap  = 48 * time.Hour
)

// Options configures a Scheduler.
type Options struct {
	Mode                string
	SyncInterval        time.Duration
	MaintenanceInterval time.Duration
	BackoffStatePath    string // JSON file persisting 2FA back-off state across restarts
}

// Scheduler owns the Engine's Gate and runs it on the configured cadence.
type Scheduler struct {
	engine *syncengine.Engine
	track  tracker.Tracker
	logger *log.Logger
	opts   Options

	gate *gate

	mu      sync.Mutex
	backoff backoffState
}

// backoffState is the JSON-persisted 2FA back-off counter.
type backoffState struct {
	ConsecutiveTwoFAFailures int       `json:"consecutive_two_fa_failures"`
	NextAttemptAt            time.Time `json:"next_attempt_at"`
}

// New builds a Scheduler and wires its Gate into engine.
func New(opts Options, engine *syncengine.Engine, track tracker.Tracker, logger *log.Logger) *Scheduler {
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 2 * time.Minute
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = time.Hour
	}
	g := newGate()
	engine.Gate = g
	s := &Scheduler{
		engine: engine,
		track:  track,
		logger: logger,
		opts:   opts,
		gate:   g,
	}
	s.loadBackoff()
	return s
}

// Run executes the configured mode. In single mode it runs one cycle and
// returns. In continuous mode it loops, applying back-off and maintenance,
// until ctx is cancelled or a SIGINT/SIGTERM arrives, at which point the
// current cycle finishes its current photo and Run returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		s.gate.Stop()
	}()

	if s.opts.Mode == ModeSingle {
		_, err := s.runCycle(ctx)
		return err
	}
	if s.opts.Mode != ModeContinuous {
		return errors.New("scheduler: unknown execution mode " + s.opts.Mode)
	}

	maintenanceTicker := time.NewTicker(s.opts.MaintenanceInterval)
	defer maintenanceTicker.Stop()

	go s.maintenanceLoop(ctx, maintenanceTicker)

	for {
		if ctx.Err() != nil {
			return nil
		}

		summary, err := s.runCycle(ctx)
		if err != nil && errors.Is(err, syncengine.ErrTwoFactorNotCompleted) {
			wait := s.recordTwoFAFailure()
			s.logger.Printf("scheduler: 2FA not completed, backing off %s", wait)
			if s.sleepOrStop(ctx, wait) {
				return nil
			}
			continue
		}
		if err != nil {
			s.logger.Printf("scheduler: cycle failed: %v", err)
		} else {
			s.resetBackoff()
			s.logger.Printf("scheduler: cycle complete: downloaded=%d skipped=%d failed=%d albums=%d",
				summary.Downloaded, summary.Skipped, summary.Failed, summary.AlbumsProcessed)
		}

		if s.sleepOrStop(ctx, s.opts.SyncInterval) {
			return nil
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) (syncengine.CycleSummary, error) {
	return s.engine.Run(ctx)
}

// sleepOrStop sleeps for d, or returns early (true) on context cancellation.
func (s *Scheduler) sleepOrStop(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-ctx.Done():
		return true
	}
}

// maintenanceLoop pauses the engine and runs Tracker.Backup on every tick,
// resuming afterward. It exits when ctx is cancelled.
func (s *Scheduler) maintenanceLoop(ctx context.Context, ticker *time.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.gate.Pause()
			if _, err := s.track.Backup(); err != nil {
				s.logger.Printf("scheduler: maintenance backup failed: %v", err)
			}
			s.gate.Resume()
		}
	}
}

func (s *Scheduler) recordTwoFAFailure() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.backoff.ConsecutiveTwoFAFailures++
	wait := backoffBase << (s.backoff.ConsecutiveTwoFAFailures - 1)
	if wait <= 0 || wait > backoffCap { // overflow or past the cap
		wait = backoffCap
	}
	s.backoff.NextAttemptAt = time.Now().Add(wait)
	s.persistBackoffLocked()
	return wait
}

func (s *Scheduler) resetBackoff() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backoff.ConsecutiveTwoFAFailures == 0 {
		return
	}
	s.backoff = backoffState{}
	s.persistBackoffLocked()
}

func (s *Scheduler) loadBackoff() {
	if s.opts.BackoffStatePath == "" {
		return
	}
	data, err := os.ReadFile(s.opts.BackoffStatePath)
	if err != nil {
		return
	}
	var st backoffState
	if err := json.Unmarshal(data, &st); err != nil {
		return
	}
	s.mu.Lock()
	s.backoff = st
	s.mu.Unlock()
}

// persistBackoffLocked writes the back-off state to disk via a
// temp-file-then-rename, working from a deep copy so the writer never races
// the in-memory counter the caller keeps mutating.
func (s *Scheduler) persistBackoffLocked() {
	if s.opts.BackoffStatePath == "" {
		return
	}
	copied, err := copystructure.Copy(s.backoff)
	if err != nil {
		s.logger.Printf("scheduler: copying backoff state: %v", err)
		return
	}
	snapshot, ok := copied.(backoffState)
	if !ok {
		return
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		s.logger.Printf("scheduler: marshaling backoff state: %v", err)
		return
	}

	dir := filepath.Dir(s.opts.BackoffStatePath)
	tmp, err := os.CreateTemp(dir, ".backoff-*.tmp")
	if err != nil {
		s.logger.Printf("scheduler: creating backoff temp file: %v", err)
		return
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		s.logger.Printf("scheduler: writing backoff state: %v", err)
		return
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return
	}
	if err := os.Rename(tmpPath, s.opts.BackoffStatePath); err != nil {
		_ = os.Remove(tmpPath)
		s.logger.Printf("scheduler: renaming backoff state: %v", err)
	}
}
