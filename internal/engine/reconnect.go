package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Reconnector watches a [Controller] and re-establishes the voice session
// when the provider drops it. A drop is signalled via
// [Reconnector.NotifyDisconnect] (the controller's session-down handler is
// the usual caller); the monitor then tears the dead session down and
// reconnects with exponential backoff.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	controller *Controller
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	onUp       func()
	log        *slog.Logger

	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{} // signalled when a session drop is detected
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// MaxRetries is the maximum number of reconnection attempts per drop
	// before giving up. Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial wait between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the wait between attempts.
	// Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnReconnect is called after a successful reconnection. May be nil.
	OnReconnect func()

	// Logger overrides the default logger. May be nil.
	Logger *slog.Logger
}

// NewReconnector creates a [Reconnector] for controller.
func NewReconnector(controller *Controller, cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Reconnector{
		controller:   controller,
		maxRetries:   maxRetries,
		backoff:      backoff,
		maxBackoff:   maxBackoff,
		onUp:         cfg.OnReconnect,
		log:          log,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// Monitor starts watching for drop notifications in a background goroutine.
func (r *Reconnector) Monitor(ctx context.Context) {
	go r.monitorLoop(ctx)
}

// NotifyDisconnect signals the monitor that the session has been lost and
// reconnection should be attempted. Safe to call multiple times; only the
// first call per reconnection cycle has effect.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
	}
}

// Stop halts monitoring. Safe to call multiple times. The controller itself
// is left alone; callers disconnect it separately.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
}

func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			r.attemptReconnect(ctx)
		}
	}
}

// attemptReconnect tears down the dead session and retries Connect with
// exponential backoff until it succeeds or the retry budget runs out.
func (r *Reconnector) attemptReconnect(ctx context.Context) {
	if err := r.controller.Disconnect(); err != nil {
		r.log.Warn("teardown before reconnect", "err", err)
	}

	currentBackoff := r.backoff

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		r.log.Info("attempting reconnection",
			"attempt", attempt,
			"max_retries", r.maxRetries,
		)

		err := r.controller.Connect(ctx)
		if err == nil {
			r.log.Info("reconnection successful", "attempt", attempt)
			if r.onUp != nil {
				r.onUp()
			}
			return
		}

		r.log.Warn("reconnection attempt failed",
			"attempt", attempt,
			"backoff", currentBackoff,
			"err", err,
		)

		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(currentBackoff):
		}

		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	r.log.Error("reconnection failed after max retries", "max_retries", r.maxRetries)
}
