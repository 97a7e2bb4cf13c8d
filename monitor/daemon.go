package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Pipeline is a Monitor together with the schedule it runs on and the
// resources it owns.
type Pipeline struct {
	Monitor      *Monitor
	PollInterval time.Duration
	ErrorBackoff time.Duration

	// Close releases the pipeline's resources. It may be nil.
	Close func()
}

func (p *Pipeline) close() {
	if p != nil && p.Close != nil {
		p.Close()
	}
}

// BuildFunc constructs a pipeline from freshly loaded configuration.
type BuildFunc func(ctx context.Context) (*Pipeline, error)

// Daemon runs cycles forever, rebuilding the pipeline when the
// configuration changes.
type Daemon struct {
	build   BuildFunc
	reload  <-chan struct{}
	logger  *slog.Logger
	cycles  chan<- Stats
	minWait time.Duration
}

// DaemonOption configures a Daemon.
type DaemonOption func(*Daemon)

// WithReload rebuilds the pipeline whenever ch fires. The new pipeline takes
// over between cycles.
func WithReload(ch <-chan struct{}) DaemonOption {
	return func(d *Daemon) {
		d.reload = ch
	}
}

// WithDaemonLogger sets the logger.
func WithDaemonLogger(logger *slog.Logger) DaemonOption {
	return func(d *Daemon) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithCycleReports sends each cycle's stats to ch without blocking.
func WithCycleReports(ch chan<- Stats) DaemonOption {
	return func(d *Daemon) {
		d.cycles = ch
	}
}

// NewDaemon creates a Daemon.
func NewDaemon(build BuildFunc, opts ...DaemonOption) *Daemon {
	d := &Daemon{
		build:   build,
		logger:  slog.Default(),
		minWait: time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run runs cycles until ctx is done. A cycle in progress when ctx is
// cancelled finishes its scheduled tasks before Run returns.
func (d *Daemon) Run(ctx context.Context) error {
	p, err := d.build(ctx)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	defer func() { p.close() }()

	d.logger.Info("Daemon started", "poll_interval", p.PollInterval)

	for {
		stats, err := p.Monitor.Cycle(ctx)
		wait := p.PollInterval
		if err != nil {
			d.logger.Error("Cycle failed", "error", err, "retry_in", p.ErrorBackoff)
			wait = p.ErrorBackoff
		} else if d.cycles != nil {
			select {
			case d.cycles <- stats:
			default:
			}
		}
		if wait < d.minWait {
			wait = d.minWait
		}

		if ctx.Err() != nil {
			d.logger.Info("Daemon stopped")
			return nil
		}

		var stop bool
		p, stop = d.wait(ctx, wait, p)
		if stop {
			d.logger.Info("Daemon stopped")
			return nil
		}
	}
}

// wait sleeps until the next cycle is due, swapping in a rebuilt pipeline
// when the configuration changes meanwhile.
func (d *Daemon) wait(ctx context.Context, wait time.Duration, p *Pipeline) (*Pipeline, bool) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return p, true
		case <-timer.C:
			return p, false
		case <-d.reload:
			next, err := d.build(ctx)
			if err != nil {
				d.logger.Error("Configuration reload failed, keeping current settings", "error", err)
				continue
			}
			p.close()
			p = next
			d.logger.Info("Configuration reloaded", "poll_interval", p.PollInterval)
		}
	}
}
