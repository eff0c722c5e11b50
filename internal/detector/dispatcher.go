package detector

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/mindcheck/internal/logger"
)

var (
	// ErrClosed is returned by Submit after Shutdown has begun.
	ErrClosed = errors.New("detection dispatcher closed")
	// ErrBacklogFull is returned by Submit when backlog analyses are
	// already queued or running.
	ErrBacklogFull = errors.New("detection backlog full")
)

// PositiveFunc is called from the background task after a positive result.
type PositiveFunc func(ctx context.Context, userID int64, r Result)

// Dispatcher runs analyses in the background on a bounded pool so chat
// replies never wait on the classifier.
type Dispatcher struct {
	detector   *Detector
	onPositive PositiveFunc
	log        *logger.Logger

	group   *errgroup.Group
	slots   chan struct{}
	pending sync.WaitGroup
	base    context.Context
	abandon context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewDispatcher creates a Dispatcher running at most workers analyses at once
// and holding at most backlog queued or running. onPositive may be nil.
func NewDispatcher(d *Detector, workers, backlog int, onPositive PositiveFunc, log *logger.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if backlog < workers {
		backlog = workers
	}
	g := new(errgroup.Group)
	g.SetLimit(workers)
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		detector:   d,
		onPositive: onPositive,
		log:        log.With("component", "detector_dispatcher"),
		group:      g,
		slots:      make(chan struct{}, backlog),
		base:       base,
		abandon:    cancel,
	}
}

// Submit queues a message for analysis and returns immediately. The task
// never shares the caller's context: it opens its own from the dispatcher.
func (p *Dispatcher) Submit(userID, messageID int64, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.slots <- struct{}{}:
	default:
		return ErrBacklogFull
	}

	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		p.group.Go(func() error {
			defer func() { <-p.slots }()
			p.run(userID, messageID, text)
			return nil
		})
	}()
	return nil
}

func (p *Dispatcher) run(userID, messageID int64, text string) {
	ctx, cancel := context.WithCancel(p.base)
	defer cancel()

	if ctx.Err() != nil {
		return
	}
	r, err := p.detector.Analyze(ctx, userID, messageID, text)
	if err != nil {
		p.log.Error("background detection failed", "user_id", userID, "message_id", messageID, "error", err)
		return
	}
	if r.Detected && p.onPositive != nil {
		p.onPositive(ctx, userID, r)
	}
}

// Shutdown stops accepting work and waits for queued analyses until ctx is
// done. After that it cancels the remaining analyses and waits for them to
// return, so no task outlives Shutdown.
func (p *Dispatcher) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		_ = p.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.abandon()
		return nil
	case <-ctx.Done():
		p.abandon()
		<-done
		return ctx.Err()
	}
}
