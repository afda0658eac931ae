// Package supervisor runs the worker pool that accepts connections across
// every configured listener. It generalizes the goroutine-per-connection
// model of the gateway's SMTP front end to the prefork-style sizing knobs
// the configuration exposes (min/max children, spare children, requests
// per child) and adds the operational behaviors a long-running milter
// daemon needs: graceful SIGHUP reload, SIGQUIT/SIGTERM drain, and a
// restart-storm throttle that gives up respawning a listener that keeps
// dying.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sentrymta/authgate"
)

// ErrServerClosed is returned by Run's accept loops once Shutdown has been
// called, mirroring the front end's own shutdown sentinel.
var ErrServerClosed = errors.New("supervisor: server closed")

// ConnHandler handles one accepted connection to completion. It is called
// in its own goroutine; the supervisor does not impose any per-connection
// timeout beyond what the handler itself enforces.
type ConnHandler func(ctx context.Context, conn net.Conn)

// Listener pairs a bound socket with the handler that serves it.
type Listener struct {
	Name    string
	Handler ConnHandler
	net.Listener
}

// Pool runs a bounded set of connection-handling workers across a group of
// listeners, sized by authgate.Config's MinChildren/MaxChildren family.
type Pool struct {
	cfg    authgate.Config
	logger *slog.Logger
	ident  string

	sem *semaphore.Weighted

	activeWorkers atomic.Int64
	requestsTotal atomic.Int64

	mu           sync.Mutex
	restartTimes map[string][]time.Time
	abandoned    map[string]bool

	wg sync.WaitGroup
}

// New builds a Pool governed by cfg. MaxChildren bounds the number of
// connections handled concurrently across all listeners; MinChildren and
// MinSpareChildren/MaxSpareChildren are advisory sizing hints surfaced
// through Stats rather than enforced with dedicated idle goroutines, since
// Go's scheduler makes pre-warming goroutines unnecessary for the cost a
// prefork model was built to avoid. ident labels Title()'s output; it has
// no effect on accept behavior.
func New(cfg authgate.Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	max := cfg.MaxChildren
	if max <= 0 {
		max = 20
	}
	return &Pool{
		cfg:          cfg,
		logger:       logger,
		ident:        "authgated",
		sem:          semaphore.NewWeighted(int64(max)),
		restartTimes: make(map[string][]time.Time),
		abandoned:    make(map[string]bool),
	}
}

// SetIdent overrides the process identifier Title() reports.
func (p *Pool) SetIdent(ident string) { p.ident = ident }

// Title reports the pool's current activity as "<IDENT>:waiting(0)" or
// "<IDENT>:processing(N)", the way the forked-worker model this pool
// replaces would set argv0 for `ps` to show. Go has no portable way to
// rewrite its own argv, so this string is surfaced through the metrics
// sideband and debug logs instead of argv — the deviation the daemon's
// operators substitute ps-grepping for.
func (p *Pool) Title() string {
	n := p.activeWorkers.Load()
	if n == 0 {
		return fmt.Sprintf("%s:waiting(0)", p.ident)
	}
	return fmt.Sprintf("%s:processing(%d)", p.ident, n)
}

// Stats is a snapshot of pool activity, exposed for the metrics sideband.
type Stats struct {
	ActiveWorkers int64
	RequestsTotal int64
}

func (p *Pool) Stats() Stats {
	return Stats{
		ActiveWorkers: p.activeWorkers.Load(),
		RequestsTotal: p.requestsTotal.Load(),
	}
}

// Run accepts on every listener until ctx is canceled or a listener is
// abandoned after repeated restart-storm failures on all of them. Each
// accepted connection acquires a semaphore slot sized by MaxChildren,
// blocking new accepts once the pool is saturated, then runs l.Handler in
// its own goroutine.
func (p *Pool) Run(ctx context.Context, listeners []Listener) error {
	if len(listeners) == 0 {
		return fmt.Errorf("supervisor: no listeners configured")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go p.watchSignals(runCtx, cancel, sigCh)

	var wg sync.WaitGroup
	errs := make(chan error, len(listeners))
	for _, l := range listeners {
		wg.Add(1)
		go func(l Listener) {
			defer wg.Done()
			errs <- p.acceptLoop(runCtx, l)
		}(l)
	}

	go func() {
		wg.Wait()
		close(errs)
	}()

	var firstErr error
	for err := range errs {
		if err != nil && !errors.Is(err, ErrServerClosed) && firstErr == nil {
			firstErr = err
		}
	}

	p.wg.Wait()
	return firstErr
}

func (p *Pool) watchSignals(ctx context.Context, cancel context.CancelFunc, sigCh <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				p.logger.Info("received SIGHUP",
					slog.Bool("leave_children_open", p.cfg.LeaveChildrenOpenOnHUP),
					slog.String("title", p.Title()))
				// Reload is driven by the caller re-invoking New with a
				// fresh Config and calling Run again; this pool only logs
				// the signal so the daemon's main loop can react.
			case syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT:
				p.logger.Info("received shutdown signal", slog.String("signal", sig.String()))
				cancel()
				return
			}
		}
	}
}

// acceptLoop runs l's accept loop, retrying a failed Accept with the
// restart-storm throttle: RestartStormThreshold failures inside
// RestartStormWindow abandon the listener rather than spinning forever on
// a socket that keeps dying.
func (p *Pool) acceptLoop(ctx context.Context, l Listener) error {
	defer l.Listener.Close()
	go func() {
		<-ctx.Done()
		_ = l.Listener.Close()
	}()

	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ErrServerClosed
			}
			if p.recordFailure(l.Name) {
				p.logger.Error("listener abandoned after restart storm",
					slog.String("listener", l.Name), slog.Any("error", err))
				return fmt.Errorf("supervisor: listener %s abandoned: %w", l.Name, err)
			}
			p.logger.Warn("accept error, retrying", slog.String("listener", l.Name), slog.Any("error", err))
			select {
			case <-ctx.Done():
				return ErrServerClosed
			case <-time.After(p.cfg.RestartDelay):
			}
			continue
		}

		if err := p.sem.Acquire(ctx, 1); err != nil {
			_ = conn.Close()
			return ErrServerClosed
		}

		p.wg.Add(1)
		p.activeWorkers.Add(1)
		p.requestsTotal.Add(1)
		go func(conn net.Conn) {
			defer func() {
				p.sem.Release(1)
				p.activeWorkers.Add(-1)
				p.wg.Done()
			}()
			l.Handler(ctx, conn)
		}(conn)
	}
}

// recordFailure appends a failure timestamp for name and reports whether
// the listener has now exceeded RestartStormThreshold failures within
// RestartStormWindow.
func (p *Pool) recordFailure(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.abandoned[name] {
		return true
	}

	now := time.Now()
	window := p.cfg.RestartStormWindow
	threshold := p.cfg.RestartStormThreshold
	if window <= 0 {
		window = 120 * time.Second
	}
	if threshold <= 0 {
		threshold = 4
	}

	times := p.restartTimes[name]
	cutoff := now.Add(-window)
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	p.restartTimes[name] = kept

	if len(kept) >= threshold {
		p.abandoned[name] = true
		return true
	}
	return false
}
