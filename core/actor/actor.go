// Package actor provides the mailbox runtime the entity coordinator builds
// on: one goroutine per actor, strictly one message processed at a time,
// panic containment, and restart-on-crash supervision via a handler factory.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

var ErrStopped = errors.New("actor stopped")

type (
	// Reply carries the outcome of one handled message.
	Reply struct {
		Result any
		Error  error
	}

	// Envelope wraps a message for delivery to an actor's mailbox. Reply must
	// be buffered so a handler can answer after the caller stopped waiting.
	Envelope struct {
		Msg   any
		Reply chan Reply
	}

	// Handler processes one message at a time. The context passed to Handle
	// is the actor's lifecycle context, not the sender's: a sender giving up
	// never cancels work already handed to the actor.
	Handler interface {
		Handle(ctx context.Context, msg any) (any, error)
	}

	// HandlerFunc adapts a function to the Handler interface.
	HandlerFunc func(ctx context.Context, msg any) (any, error)

	// Factory builds (or rebuilds, after a crash) an actor's handler.
	Factory func(ctx context.Context) (Handler, error)

	// OnPanic is invoked when a handler panics. The panic is contained and
	// counted as a crash.
	OnPanic func(recovered any, stack []byte, msg any)

	Actor interface {
		Send(ctx context.Context, e Envelope) error
		Stop()
		Done() <-chan struct{}
	}
)

func (f HandlerFunc) Handle(ctx context.Context, msg any) (any, error) { return f(ctx, msg) }

type Options struct {
	MailboxSize int
	Context     context.Context
	Logger      *slog.Logger
	OnPanic     OnPanic
	// MaxRestarts bounds handler rebuilds after crashes. Once exhausted the
	// actor stops and pending sends fail with ErrStopped.
	MaxRestarts int
}

type mailboxActor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	mailbox chan Envelope
	done    chan struct{}

	mu     sync.Mutex
	closed bool

	onPanic     OnPanic
	maxRestarts int
}

// New spawns an actor whose handler is built by factory. The initial build
// runs synchronously; if it fails no actor is started.
func New(opt Options, factory Factory) (Actor, error) {
	if opt.MailboxSize <= 0 {
		opt.MailboxSize = 64
	}
	if opt.Context == nil {
		opt.Context = context.Background()
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.MaxRestarts <= 0 {
		opt.MaxRestarts = 3
	}
	if opt.OnPanic == nil {
		log := opt.Logger
		opt.OnPanic = func(recovered any, stack []byte, msg any) {
			log.Error("actor panicked", slog.Any("recovered", recovered), slog.String("stack", string(stack)), slog.Any("msg", msg))
		}
	}

	a := &mailboxActor{
		log:         opt.Logger,
		mailbox:     make(chan Envelope, opt.MailboxSize),
		done:        make(chan struct{}),
		onPanic:     opt.OnPanic,
		maxRestarts: opt.MaxRestarts,
	}
	a.ctx, a.cancel = context.WithCancel(opt.Context)

	h, err := factory(a.ctx)
	if err != nil {
		a.cancel()
		close(a.done)
		return nil, err
	}

	go a.loop(h, factory)
	return a, nil
}

// Done is closed when the actor stops.
func (a *mailboxActor) Done() <-chan struct{} { return a.done }

// Stop requests shutdown and waits for the loop to exit. Idempotent.
func (a *mailboxActor) Stop() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	a.mu.Unlock()

	a.cancel()
	<-a.done
}

// Send enqueues a message, blocking until enqueued, ctx is canceled, or the
// actor stopped.
func (a *mailboxActor) Send(ctx context.Context, e Envelope) error {
	if a.isClosed() {
		return ErrStopped
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("send failed: %w", ctx.Err())
	case <-a.ctx.Done():
		return ErrStopped
	case a.mailbox <- e:
		return nil
	}
}

func (a *mailboxActor) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *mailboxActor) loop(h Handler, factory Factory) {
	defer close(a.done)

	restarts := 0

	// crash containment: panics become fatal errors
	safeHandle := func(msg any) (res any, err error) {
		defer func() {
			if r := recover(); r != nil {
				a.onPanic(r, debug.Stack(), msg)
				err = Fatal(fmt.Errorf("handler panic: %v", r))
			}
		}()
		return h.Handle(a.ctx, msg)
	}

	for {
		// prioritize shutdown over queued work
		select {
		case <-a.ctx.Done():
			a.drain()
			return
		default:
		}

		select {
		case <-a.ctx.Done():
			a.drain()
			return
		case e := <-a.mailbox:
			res, err := safeHandle(e.Msg)
			e.Reply <- Reply{Result: res, Error: err}

			if !IsFatal(err) {
				continue
			}

			// supervision: rebuild the handler or give up
			restarts++
			if restarts > a.maxRestarts {
				a.log.Error("actor crash limit reached, stopping", slog.Int("restarts", restarts-1))
				a.cancel()
				a.drain()
				return
			}
			nh, ferr := factory(a.ctx)
			if ferr != nil {
				a.log.Error("actor restart failed, stopping", slog.Any("error", ferr), slog.Int("restart", restarts))
				a.cancel()
				a.drain()
				return
			}
			a.log.Warn("actor restarted after crash", slog.Int("restart", restarts))
			h = nh
		}
	}
}

// drain answers queued senders with ErrStopped so nobody waits forever.
func (a *mailboxActor) drain() {
	for {
		select {
		case e := <-a.mailbox:
			e.Reply <- Reply{Error: ErrStopped}
		default:
			return
		}
	}
}

// Request sends msg to a and waits for the reply. If ctx expires first the
// handler still runs to completion; only the wait is abandoned.
func Request(ctx context.Context, a Actor, msg any) (any, error) {
	reply := make(chan Reply, 1)
	if err := a.Send(ctx, Envelope{Msg: msg, Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-reply:
		return r.Result, r.Error
	}
}
