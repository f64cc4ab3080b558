package client

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// ManagerState is one point in the reconnect supervisor's lifecycle.
type ManagerState int

const (
	Disconnected ManagerState = iota
	Connecting
	Connected
	Reconnecting
	Disconnecting
	Failed
)

func (s ManagerState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Disconnecting:
		return "disconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// computeDelay returns the k-th (1-indexed) backoff delay for the given
// reconnect options: min(maxDelay, initialDelay*multiplier^(attempt-1)),
// jittered by a uniform factor in [1-jitter, 1+jitter] and clamped to
// >= 0. Exponentiation is done with math.Pow on floating point and any
// overflow (or a result indistinguishable from +Inf) is treated as
// maxDelay.
func computeDelay(opts ReconnectOptions, attempt int) time.Duration {
	base := opts.InitialDelay
	if attempt > 1 {
		factor := math.Pow(opts.BackoffMultiplier, float64(attempt-1))
		if math.IsInf(factor, 1) || factor <= 0 {
			base = opts.MaxDelay
		} else {
			scaled := float64(opts.InitialDelay) * factor
			if scaled > float64(opts.MaxDelay) || math.IsInf(scaled, 1) {
				base = opts.MaxDelay
			} else {
				base = time.Duration(scaled)
			}
		}
	}
	if base > opts.MaxDelay {
		base = opts.MaxDelay
	}

	jitter := opts.Jitter
	factor := 1 + (rand.Float64()*2-1)*jitter //nolint:gosec // backoff jitter, not security sensitive
	delay := time.Duration(float64(base) * factor)
	if delay < 0 {
		delay = 0
	}
	return delay
}

// reconnector runs the supervisor loop: connect, run the connection until
// it ends, then either stop (reconnect disabled or max attempts exhausted)
// or back off and retry. The attempt counter resets on every successful
// connect.
type reconnector struct {
	uri    string
	opts   Options
	sink   func(ManagerState)
	onConn func(ctx context.Context, result *dialResult) (runErr error)
	stopCh chan struct{}
	doneCh chan struct{}
	state  ManagerState
}

func newReconnector(uri string, opts Options, onStateChange func(ManagerState), onConnected func(context.Context, *dialResult) error) *reconnector {
	return &reconnector{
		uri:    uri,
		opts:   opts,
		sink:   onStateChange,
		onConn: onConnected,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (r *reconnector) setState(s ManagerState) {
	r.state = s
	if r.sink != nil {
		r.sink(s)
	}
}

// run is the supervisor loop; it returns once the connection is
// permanently given up on (reconnect disabled, max attempts reached, Stop
// was called, or ctx was cancelled). Every suspension point - the dial,
// the connection's receive loop and the backoff sleep - observes both
// Stop and ctx through the derived context below.
func (r *reconnector) run(ctx context.Context) {
	defer close(r.doneCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	uri := r.uri
	attempt := 0
	for {
		if r.exiting(ctx) {
			return
		}

		r.setState(Connecting)
		result, err := dial(ctx, uri, r.opts)
		if err == nil {
			attempt = 0
			r.setState(Connected)
			_ = r.onConn(ctx, result)
		}

		if r.exiting(ctx) {
			return
		}

		if !r.opts.Reconnect.Enabled {
			r.setState(Disconnected)
			return
		}

		attempt++
		r.setState(Reconnecting)
		if r.opts.Reconnect.MaxAttempts > 0 && attempt > r.opts.Reconnect.MaxAttempts {
			r.setState(Failed)
			return
		}

		if r.opts.Reconnect.OnReconnecting != nil {
			uri = r.opts.Reconnect.OnReconnecting(uri, attempt)
		}

		delay := computeDelay(r.opts.Reconnect, attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			if r.exiting(ctx) {
				return
			}
		}
	}
}

// exiting reports whether the supervisor should wind down, setting the
// final state. Stop is checked before plain context cancellation so the
// two exits stay distinguishable (Disconnecting vs Disconnected).
func (r *reconnector) exiting(ctx context.Context) bool {
	select {
	case <-r.stopCh:
		r.setState(Disconnecting)
		return true
	default:
	}
	if ctx.Err() != nil {
		r.setState(Disconnected)
		return true
	}
	return false
}

// stop requests the supervisor loop to exit and waits for it to do so.
func (r *reconnector) stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	<-r.doneCh
}
