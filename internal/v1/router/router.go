// Package router turns inbound request stanzas into handler
// invocations. Each conference gets a single-consumer FIFO queue, so
// every mutation on one conference is serialized; a global queue serves
// requests that precede conference creation. The worker sends exactly
// one reply per request.
package router

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/colloq/focus/internal/v1/logging"
	"github.com/colloq/focus/internal/v1/metrics"
	"github.com/colloq/focus/internal/v1/types"
	"github.com/colloq/focus/internal/v1/xmpp"
)

// DefaultQueueCapacity bounds one conference's backlog; overflow yields
// resource-constraint errors.
const DefaultQueueCapacity = 256

// Dispatcher computes the response for one request stanza. The returned
// payload goes into the result reply; a returned error becomes the
// error reply.
type Dispatcher interface {
	Dispatch(ctx context.Context, iq *xmpp.IQ) (any, error)
	// RoomOf resolves the stanza's target conference, false for
	// conference-less requests.
	RoomOf(iq *xmpp.IQ) (types.RoomName, bool)
}

// Sender delivers replies back to the wire.
type Sender interface {
	Send(ctx context.Context, iq *xmpp.IQ) error
}

type task struct {
	ctx context.Context
	iq  *xmpp.IQ
}

type queue struct {
	room  string
	tasks chan task
	term  chan struct{}
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

// enqueue reports false when the queue is full and nil-terminated when
// the queue is already dead.
func (q *queue) enqueue(t task) (ok, terminated bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, true
	}
	select {
	case q.tasks <- t:
		return true, false
	default:
		return false, false
	}
}

// terminate marks the queue dead; the worker observes the marker,
// abandons pending work with service-unavailable replies and exits.
func (q *queue) terminate() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.term)
}

// Router owns the per-conference queues.
type Router struct {
	dispatcher Dispatcher
	sender     Sender
	capacity   int

	mu     sync.Mutex
	queues map[types.RoomName]*queue
	global *queue
	closed bool
}

// Option tunes a Router.
type Option func(*Router)

// WithQueueCapacity overrides the per-conference backlog bound.
func WithQueueCapacity(n int) Option { return func(r *Router) { r.capacity = n } }

// New builds a router over the dispatcher.
func New(dispatcher Dispatcher, sender Sender, opts ...Option) *Router {
	r := &Router{
		dispatcher: dispatcher,
		sender:     sender,
		capacity:   DefaultQueueCapacity,
		queues:     make(map[types.RoomName]*queue),
	}
	for _, o := range opts {
		o(r)
	}
	r.global = r.newQueue("")
	return r
}

func (r *Router) newQueue(room string) *queue {
	q := &queue{
		room:  room,
		tasks: make(chan task, r.capacity),
		term:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go r.work(q)
	return q
}

// HandleStanza enqueues one inbound request. Non-request stanzas are
// ignored; a full queue is answered immediately with
// resource-constraint.
func (r *Router) HandleStanza(ctx context.Context, iq *xmpp.IQ) {
	if iq.Type != xmpp.IQGet && iq.Type != xmpp.IQSet {
		return
	}
	element := iq.PayloadName()
	if element == "" {
		r.reply(ctx, iq.ErrorReply(types.NewStanzaError(types.KindBadRequest, "unrecognized request")))
		return
	}

	q := r.queueFor(iq)
	if q == nil {
		r.reply(ctx, iq.ErrorReply(types.NewStanzaError(types.KindServiceUnavailable, "shutting down")))
		return
	}
	ok, terminated := q.enqueue(task{ctx: ctx, iq: iq})
	switch {
	case ok:
		metrics.QueueDepth.WithLabelValues(q.room).Set(float64(len(q.tasks)))
	case terminated:
		r.reply(ctx, iq.ErrorReply(types.NewStanzaError(types.KindServiceUnavailable, "conference terminated")))
	default:
		metrics.QueueDropped.Inc()
		metrics.StanzasProcessed.WithLabelValues(element, "overflow").Inc()
		r.reply(ctx, iq.ErrorReply(types.NewStanzaError(types.KindResourceConstraint, "queue full")))
	}
}

func (r *Router) queueFor(iq *xmpp.IQ) *queue {
	room, ok := r.dispatcher.RoomOf(iq)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if !ok {
		return r.global
	}
	q, exists := r.queues[room.Bare()]
	if !exists {
		q = r.newQueue(room.Bare().String())
		r.queues[room.Bare()] = q
	}
	return q
}

// Depths snapshots the per-conference backlog sizes for the debug
// surface. The global queue appears under the empty key.
func (r *Router) Depths() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.queues)+1)
	out[""] = len(r.global.tasks)
	for room, q := range r.queues {
		out[room.String()] = len(q.tasks)
	}
	return out
}

// CloseConference drops a terminated conference's queue. Anything still
// pending is answered with service-unavailable.
func (r *Router) CloseConference(room types.RoomName) {
	r.mu.Lock()
	q, ok := r.queues[room.Bare()]
	delete(r.queues, room.Bare())
	r.mu.Unlock()
	if ok {
		q.terminate()
	}
}

// Close drains every queue and stops the workers.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	qs := make([]*queue, 0, len(r.queues)+1)
	qs = append(qs, r.global)
	for _, q := range r.queues {
		qs = append(qs, q)
	}
	r.queues = make(map[types.RoomName]*queue)
	r.mu.Unlock()
	for _, q := range qs {
		q.terminate()
		<-q.done
	}
}

func (r *Router) work(q *queue) {
	defer close(q.done)
	for {
		select {
		case <-q.term:
			r.drain(q)
			return
		case t := <-q.tasks:
			select {
			case <-q.term:
				// terminal marker raced ahead of the task
				r.reply(t.ctx, t.iq.ErrorReply(types.NewStanzaError(types.KindServiceUnavailable, "conference terminated")))
				r.drain(q)
				return
			default:
			}
			metrics.QueueDepth.WithLabelValues(q.room).Set(float64(len(q.tasks)))
			r.handle(t)
		}
	}
}

// drain answers everything still buffered after termination.
func (r *Router) drain(q *queue) {
	for {
		select {
		case t := <-q.tasks:
			r.reply(t.ctx, t.iq.ErrorReply(types.NewStanzaError(types.KindServiceUnavailable, "conference terminated")))
		default:
			return
		}
	}
}

// handle computes and sends exactly one reply for the task, converting
// panics at this boundary into internal-server-error so the worker
// never dies.
func (r *Router) handle(t task) {
	element := t.iq.PayloadName()
	timer := prometheus.NewTimer(metrics.StanzaProcessingDuration.WithLabelValues(element))

	var payload any
	var err error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				stanza, _ := xmpp.Marshal(t.iq)
				logging.Error(t.ctx, "Handler panic",
					zap.Any("panic", rec),
					zap.ByteString("stanza", stanza),
					zap.ByteString("stack", debug.Stack()))
				err = types.NewStanzaError(types.KindInternalServerError, "internal error")
			}
		}()
		payload, err = r.dispatcher.Dispatch(t.ctx, t.iq)
	}()
	timer.ObserveDuration()

	if err != nil {
		metrics.StanzasProcessed.WithLabelValues(element, "error").Inc()
		r.reply(t.ctx, t.iq.ErrorReply(err))
		return
	}
	metrics.StanzasProcessed.WithLabelValues(element, "ok").Inc()
	r.reply(t.ctx, t.iq.Result(payload))
}

func (r *Router) reply(ctx context.Context, iq *xmpp.IQ) {
	if err := r.sender.Send(ctx, iq); err != nil {
		logging.Warn(ctx, "Reply delivery failed", zap.Error(err))
	}
}
