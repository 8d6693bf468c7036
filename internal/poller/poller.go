// Package poller follows one job's status from the client side until it
// reaches a terminal state, the poller gives up, or the caller stops it.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/docchat/api/internal/model"
)

var (
	// ErrTooManyFailures means the status endpoint failed on too many
	// consecutive reads. The job itself may still be running.
	ErrTooManyFailures = errors.New("poller: too many consecutive status read failures")
	// ErrPollTimeout means MaxPollingTime elapsed before the job finished.
	ErrPollTimeout = errors.New("poller: polling time exceeded")
)

// StatusReader is the read side of the job API. *jobclient.Client satisfies it.
type StatusReader interface {
	GetStatus(ctx context.Context, requestID string) (*model.JobStatus, error)
}

// Observer receives updates from a running poller. OnStatus fires for every
// successful read; OnError fires once with the error that stopped the poller.
type Observer interface {
	OnStatus(js *model.JobStatus)
	OnError(err error)
}

// NoDebounce as Config.MinGap lets checks run back to back.
const NoDebounce time.Duration = -1

type Config struct {
	Interval time.Duration
	// MinGap is the shortest time between two reads. Zero means the default;
	// a negative value turns the debounce off.
	MinGap                 time.Duration
	MaxConsecutiveFailures int
	MaxPollingTime         time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:               3 * time.Second,
		MinGap:                 time.Second,
		MaxConsecutiveFailures: 5,
		MaxPollingTime:         15 * time.Minute,
	}
}

// Poller checks one requestId. Checks never overlap: they all run on the
// goroutine that called Run.
type Poller struct {
	reader    StatusReader
	requestID string
	cfg       Config
	obs       Observer
	log       zerolog.Logger
	now       func() time.Time

	refresh chan struct{}

	lastCheck time.Time
	failures  int
	reads     int
}

// New builds a poller. obs may be nil.
func New(reader StatusReader, requestID string, cfg Config, obs Observer, log zerolog.Logger) *Poller {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if cfg.MaxPollingTime <= 0 {
		cfg.MaxPollingTime = def.MaxPollingTime
	}
	switch {
	case cfg.MinGap == 0:
		cfg.MinGap = def.MinGap
	case cfg.MinGap < 0:
		cfg.MinGap = 0
	}
	return &Poller{
		reader:    reader,
		requestID: requestID,
		cfg:       cfg,
		obs:       obs,
		log:       log.With().Str("component", "poller").Str("request_id", requestID).Logger(),
		now:       time.Now,
		refresh:   make(chan struct{}, 1),
	}
}

// Refresh asks the running poller for an immediate check and resets its
// failure counter. The check is still subject to the MinGap debounce.
// Safe to call from any goroutine.
func (p *Poller) Refresh() {
	select {
	case p.refresh <- struct{}{}:
	default:
	}
}

// Run checks immediately and then every Interval. It returns the last status
// seen and nil once the job is COMPLETED or FAILED, ErrTooManyFailures or
// ErrPollTimeout when the poller gives up, or ctx.Err() when cancelled.
// No check is started after Run returns.
func (p *Poller) Run(ctx context.Context) (*model.JobStatus, error) {
	runCtx, cancel := context.WithTimeout(ctx, p.cfg.MaxPollingTime)
	defer cancel()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	var last *model.JobStatus
	step := func() (bool, error) {
		js, done, err := p.check(runCtx)
		if js != nil {
			last = js
		}
		return done, err
	}

	done, err := step()
	for !done && err == nil {
		select {
		case <-runCtx.Done():
			err = runCtx.Err()
		case <-ticker.C:
			done, err = step()
		case <-p.refresh:
			p.failures = 0
			done, err = step()
		}
	}

	if err != nil {
		// a read cut off by the deadline reports the timeout, not the transport error
		if ctx.Err() == nil && runCtx.Err() != nil {
			err = ErrPollTimeout
		}
		if ctx.Err() == nil {
			p.notifyError(err)
		}
		p.log.Debug().Err(err).Int("reads", p.reads).Msg("poller stopped")
		return last, err
	}
	return last, nil
}

// check performs one debounced read. done is true when the job is terminal.
func (p *Poller) check(ctx context.Context) (js *model.JobStatus, done bool, err error) {
	now := p.now()
	if !p.lastCheck.IsZero() && now.Sub(p.lastCheck) < p.cfg.MinGap {
		p.log.Trace().Msg("check skipped")
		return nil, false, nil
	}
	p.lastCheck = now
	p.reads++

	js, err = p.reader.GetStatus(ctx, p.requestID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		p.failures++
		p.log.Warn().Err(err).Int("failures", p.failures).Msg("status read failed")
		if p.failures >= p.cfg.MaxConsecutiveFailures {
			return nil, false, fmt.Errorf("%w: %w", ErrTooManyFailures, err)
		}
		return nil, false, nil
	}

	p.failures = 0
	if p.obs != nil {
		p.obs.OnStatus(js)
	}
	return js, js.Status.Terminal(), nil
}

func (p *Poller) notifyError(err error) {
	if p.obs != nil {
		p.obs.OnError(err)
	}
}
