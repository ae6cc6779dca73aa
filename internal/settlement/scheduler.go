// Package settlement runs the periodic work of the booking engine: reclaiming
// expired checkout locks, releasing escrow that came due, and sending reminders.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/tutorbook/pkg/booking"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	defaultSchedule   = "@every 1m"
	defaultBatchSize  = 100
	defaultTickBudget = 50 * time.Second
)

// ErrInvalidConfig reports an unusable scheduler configuration.
var ErrInvalidConfig = errors.New("settlement: invalid config")

// LockSweeper reclaims expired checkout locks.
type LockSweeper interface {
	SweepExpiredLocks(ctx context.Context) (int, error)
}

// EscrowReleaser settles escrow whose release delay has elapsed.
type EscrowReleaser interface {
	DueReleases(ctx context.Context, limit int) ([]string, error)
	Release(ctx context.Context, bookingID string) error
}

// ReminderSender sends the time-based notifications.
type ReminderSender interface {
	SendDueReminders(ctx context.Context) (int, error)
	SendRatingPrompts(ctx context.Context) (int, error)
}

// Config controls the tick cadence.
type Config struct {
	// Schedule is a cron spec; "@every 1m" when empty.
	Schedule   string
	BatchSize  int
	TickBudget time.Duration
}

// TickReport summarises one scheduler pass.
type TickReport struct {
	SweptLocks    int
	Released      int
	ReleaseFailed int
	Reminders     int
	RatingPrompts int
}

// Scheduler owns a cron runner; nothing runs until Start.
type Scheduler struct {
	locks     LockSweeper
	escrow    EscrowReleaser
	reminders ReminderSender
	logger    *zap.Logger
	config    Config

	mutex   sync.Mutex
	runner  *cron.Cron
	running bool
}

// New validates the collaborators and returns a stopped Scheduler.
func New(config Config, locks LockSweeper, escrow EscrowReleaser, reminders ReminderSender, logger *zap.Logger) (*Scheduler, error) {
	if locks == nil || escrow == nil || reminders == nil {
		return nil, fmt.Errorf("%w: lock sweeper, escrow releaser and reminder sender are required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Schedule == "" {
		config.Schedule = defaultSchedule
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	if config.TickBudget <= 0 {
		config.TickBudget = defaultTickBudget
	}
	if _, err := cron.ParseStandard(config.Schedule); err != nil {
		return nil, fmt.Errorf("%w: schedule %q: %v", ErrInvalidConfig, config.Schedule, err)
	}
	return &Scheduler{locks: locks, escrow: escrow, reminders: reminders, logger: logger, config: config}, nil
}

// Start registers the tick and starts the cron runner. Overlapping ticks are skipped.
func (scheduler *Scheduler) Start() error {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	if scheduler.running {
		return nil
	}
	log := cronLogger{logger: scheduler.logger.Sugar()}
	runner := cron.New(cron.WithLogger(log), cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)))
	_, err := runner.AddFunc(scheduler.config.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), scheduler.config.TickBudget)
		defer cancel()
		scheduler.Tick(ctx)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	runner.Start()
	scheduler.runner = runner
	scheduler.running = true
	scheduler.logger.Info("settlement scheduler started", zap.String("schedule", scheduler.config.Schedule))
	return nil
}

// Stop halts the runner and waits for an in-flight tick or ctx, whichever comes first.
func (scheduler *Scheduler) Stop(ctx context.Context) error {
	scheduler.mutex.Lock()
	runner := scheduler.runner
	scheduler.runner = nil
	scheduler.running = false
	scheduler.mutex.Unlock()
	if runner == nil {
		return nil
	}
	select {
	case <-runner.Stop().Done():
		scheduler.logger.Info("settlement scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick runs one pass. A failing step or booking is logged and the pass continues;
// the joined failures are returned.
func (scheduler *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	var report TickReport
	var failures []error

	swept, err := scheduler.locks.SweepExpiredLocks(ctx)
	report.SweptLocks = swept
	if err != nil {
		scheduler.logger.Error("sweep expired locks", zap.Error(err))
		failures = append(failures, err)
	}

	released, failed, err := scheduler.releaseDue(ctx)
	report.Released = released
	report.ReleaseFailed = failed
	if err != nil {
		failures = append(failures, err)
	}

	reminders, err := scheduler.reminders.SendDueReminders(ctx)
	report.Reminders = reminders
	if err != nil {
		scheduler.logger.Error("send reminders", zap.Error(err))
		failures = append(failures, err)
	}

	prompts, err := scheduler.reminders.SendRatingPrompts(ctx)
	report.RatingPrompts = prompts
	if err != nil {
		scheduler.logger.Error("send rating prompts", zap.Error(err))
		failures = append(failures, err)
	}

	if report != (TickReport{}) {
		scheduler.logger.Info("settlement tick",
			zap.Int("swept_locks", report.SweptLocks),
			zap.Int("released", report.Released),
			zap.Int("release_failed", report.ReleaseFailed),
			zap.Int("reminders", report.Reminders),
			zap.Int("rating_prompts", report.RatingPrompts),
		)
	}
	return report, errors.Join(failures...)
}

// releaseDue settles up to BatchSize bookings. Bookings that fail stay due, so the
// listing is widened past every booking already tried in this tick until the batch
// is filled or nothing new comes back.
func (scheduler *Scheduler) releaseDue(ctx context.Context) (int, int, error) {
	var failures []error
	tried := map[string]bool{}
	released := 0
	for released < scheduler.config.BatchSize {
		due, err := scheduler.escrow.DueReleases(ctx, scheduler.config.BatchSize+len(tried))
		if err != nil {
			scheduler.logger.Error("list due releases", zap.Error(err))
			return released, len(failures), errors.Join(append(failures, err)...)
		}
		progressed := false
		for _, bookingID := range due {
			if tried[bookingID] || released >= scheduler.config.BatchSize {
				continue
			}
			if ctx.Err() != nil {
				return released, len(failures) + 1, errors.Join(append(failures, ctx.Err())...)
			}
			tried[bookingID] = true
			progressed = true
			err := scheduler.escrow.Release(ctx, bookingID)
			switch {
			case err == nil:
				released++
			case errors.Is(err, booking.ErrAlreadyReleased):
			default:
				scheduler.logger.Warn("release escrow", zap.String("booking_id", bookingID), zap.Error(err))
				failures = append(failures, fmt.Errorf("release %s: %w", bookingID, err))
			}
		}
		if !progressed {
			break
		}
	}
	return released, len(failures), errors.Join(failures...)
}

type cronLogger struct {
	logger *zap.SugaredLogger
}

func (log cronLogger) Info(message string, keysAndValues ...interface{}) {
	log.logger.Debugw(message, keysAndValues...)
}

func (log cronLogger) Error(err error, message string, keysAndValues ...interface{}) {
	log.logger.Errorw(message, append(keysAndValues, "error", err)...)
}
