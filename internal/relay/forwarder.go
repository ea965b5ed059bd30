package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/orchestrix/jetrelay/pkg/logger"
)

// boundRetryInterval is how long to wait before re-attaching when the durable
// consumer is still bound to a previous process instance. A fixed sleep, not
// a backoff step: this is a race, not a failure.
const boundRetryInterval = 5 * time.Second

// subscribeWaitCap bounds the linear wait between failed subscribe attempts.
const subscribeWaitCap = 5

// Handler processes one delivered message. A nil return acknowledges it; an
// error (or a panic, which is recovered) counts as a failed attempt and feeds
// the nak/term decision. Handlers must be idempotent: delivery is
// at-least-once and a nak'd message may be reordered against fresh arrivals.
type Handler func(ctx context.Context, subject string, payload []byte, attempt uint64) error

// acker is the ack surface of *nats.Msg.
type acker interface {
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
}

// envelope is one delivered message queued for processing. Exactly one worker
// claims it; the queue hand-off is the exclusivity boundary.
type envelope struct {
	subject string
	payload []byte
	attempt uint64
	msg     acker
}

// subscriber is the subscribe subset of nats.JetStreamContext.
type subscriber interface {
	Subscribe(subj string, cb nats.MsgHandler, opts ...nats.SubOpt) (*nats.Subscription, error)
}

// ForwarderConfig carries every knob of the consuming side.
type ForwarderConfig struct {
	Session            SessionConfig
	Stream             string
	Subjects           []string
	DurablePrefix      string
	MaxRedeliveries    uint64
	InitReconnectDelay time.Duration
	MaxReconnectDelay  time.Duration
	MaxConcurrent      int
	AckWait            time.Duration
	MaxAckPending      int // zero means twice MaxConcurrent
	QueueCapacity      int
	ShutdownTimeout    time.Duration
}

// Forwarder drains one stream's subjects into a handler with bounded
// concurrency and manual ack control.
type Forwarder struct {
	cfg     ForwarderConfig
	handler Handler
	log     *logger.Logger
	queue   *boundedQueue[envelope]
	backoff Backoff

	// connect and boundRetry are swapped out by tests.
	connect    func() (*Session, error)
	boundRetry time.Duration
}

// NewForwarder wires a forwarder; Run does the work.
func NewForwarder(cfg ForwarderConfig, handler Handler, log *logger.Logger) *Forwarder {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxRedeliveries == 0 {
		cfg.MaxRedeliveries = 1
	}
	return &Forwarder{
		cfg:     cfg,
		handler: handler,
		log:     log,
		queue:   newBoundedQueue[envelope](cfg.QueueCapacity),
		backoff: Backoff{Initial: cfg.InitReconnectDelay, Max: cfg.MaxReconnectDelay},
		connect: func() (*Session, error) { return Connect(cfg.Session, log) },

		boundRetry: boundRetryInterval,
	}
}

// Run connects, subscribes and consumes until ctx is cancelled. Connection
// loss is never fatal: the loop backs off and reconnects forever.
func (f *Forwarder) Run(ctx context.Context) error {
	delay := f.backoff.Reset()
	for {
		sess, err := f.connect()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn("Forwarder connect failed",
				logger.Error(err),
				logger.Duration("retry_in", delay),
			)
			if !sleepCtx(ctx, delay) {
				return ctx.Err()
			}
			delay = f.backoff.Next(delay)
			continue
		}
		delay = f.backoff.Reset()

		err = f.consume(ctx, sess)
		sess.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.log.Warn("Forwarder session ended; reconnecting",
			logger.Error(err),
			logger.Duration("retry_in", delay),
		)
		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
		delay = f.backoff.Next(delay)
	}
}

// consume provisions the stream, starts the worker pool, subscribes every
// subject and blocks until the session dies or ctx is cancelled.
func (f *Forwarder) consume(ctx context.Context, sess *Session) error {
	js := sess.JetStream()
	if err := ensureStream(js, f.cfg.Stream, f.cfg.Subjects, f.log); err != nil {
		return err
	}

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	var wg sync.WaitGroup
	for i := 0; i < f.cfg.MaxConcurrent; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.worker(workerCtx)
		}()
	}

	subs := make([]*nats.Subscription, 0, len(f.cfg.Subjects))
	var runErr error
	for _, subject := range f.cfg.Subjects {
		sub, err := f.subscribe(workerCtx, js, subject)
		if err != nil {
			runErr = err
			break
		}
		subs = append(subs, sub)
	}

	if runErr == nil {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
		case <-sess.Closed():
			runErr = errSessionClosed
		}
	}

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			f.log.Debug("Unsubscribe failed", logger.Error(err))
		}
	}

	cancelWorkers()
	// In-flight handlers may finish, but the pool is not waited on forever.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(f.cfg.ShutdownTimeout):
		f.log.Warn("Worker shutdown timed out; abandoning in-flight handlers")
	}
	f.nakQueued()
	return runErr
}

// nakQueued hands every envelope still sitting in the queue back to the
// broker once the workers are gone, so redelivery happens immediately instead
// of after the AckWait timeout.
func (f *Forwarder) nakQueued() {
	for {
		env, ok := f.queue.TryGet()
		if !ok {
			return
		}
		if err := env.msg.Nak(); err != nil {
			f.log.Debug("Nak during shutdown failed",
				logger.String("subject", env.subject),
				logger.Error(err),
			)
			continue
		}
		f.log.Debug("Returned undispatched message",
			logger.String("subject", env.subject),
		)
	}
}

// subscribe attaches the durable consumer for one subject, retrying forever.
// Subscription setup never gives up while the process is alive; only ctx
// cancellation ends it.
func (f *Forwarder) subscribe(ctx context.Context, js subscriber, subject string) (*nats.Subscription, error) {
	durable := durableName(f.cfg.DurablePrefix, subject)
	opts := []nats.SubOpt{
		nats.BindStream(f.cfg.Stream),
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(f.cfg.AckWait),
		nats.MaxDeliver(int(f.cfg.MaxRedeliveries)),
		nats.MaxAckPending(f.maxAckPending()),
		nats.DeliverNew(),
	}

	for attempt := 1; ; attempt++ {
		sub, err := js.Subscribe(subject, f.deliver(ctx), opts...)
		if err == nil {
			f.log.Info("Subscribed",
				logger.String("stream", f.cfg.Stream),
				logger.String("subject", subject),
				logger.String("durable", durable),
			)
			return sub, nil
		}
		if isAlreadyBound(err) {
			f.log.Info("Durable consumer still bound; waiting to re-attach",
				logger.String("subject", subject),
				logger.String("durable", durable),
			)
			if !sleepCtx(ctx, f.boundRetry) {
				return nil, ctx.Err()
			}
			continue
		}
		f.log.Error("Subscribe failed",
			logger.String("subject", subject),
			logger.Int("attempt", attempt),
			logger.Error(err),
		)
		if !sleepCtx(ctx, time.Duration(min(attempt, subscribeWaitCap))*time.Second) {
			return nil, ctx.Err()
		}
	}
}

// deliver is the broker push callback. It hands the message to the queue and
// blocks while the queue is full: MaxAckPending keeps the broker from
// flooding the callback in the meantime, so a slow pool backpressures all the
// way to the stream.
func (f *Forwarder) deliver(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		env := envelope{
			subject: msg.Subject,
			payload: msg.Data,
			attempt: deliveryAttempt(msg),
			msg:     msg,
		}
		if err := f.queue.Put(ctx, env); err != nil {
			// Shutting down; leave the message for redelivery.
			if nakErr := msg.Nak(); nakErr != nil {
				f.log.Debug("Nak during shutdown failed", logger.Error(nakErr))
			}
		}
	}
}

func (f *Forwarder) worker(ctx context.Context) {
	for {
		env, err := f.queue.Get(ctx)
		if err != nil {
			return
		}
		f.processOne(ctx, env)
	}
}

// processOne applies the ack decision for one envelope:
// handler success -> ack; failure below the redelivery ceiling -> nak;
// failure at the ceiling -> term, the dead-letter outcome.
func (f *Forwarder) processOne(ctx context.Context, env envelope) {
	err := f.invoke(ctx, env)
	if err == nil {
		if ackErr := env.msg.Ack(); ackErr != nil {
			f.log.Warn("Ack failed",
				logger.String("subject", env.subject),
				logger.Error(ackErr),
			)
			return
		}
		f.log.Debug("Acked message",
			logger.String("subject", env.subject),
			logger.Uint64("attempt", env.attempt),
		)
		return
	}

	if env.attempt < f.cfg.MaxRedeliveries {
		if nakErr := env.msg.Nak(); nakErr != nil {
			f.log.Warn("Nak failed",
				logger.String("subject", env.subject),
				logger.Error(nakErr),
			)
			return
		}
		f.log.Warn("Handler failed; message will be redelivered",
			logger.String("subject", env.subject),
			logger.Uint64("attempt", env.attempt),
			logger.Error(err),
		)
		return
	}

	if termErr := env.msg.Term(); termErr != nil {
		f.log.Warn("Term failed",
			logger.String("subject", env.subject),
			logger.Error(termErr),
		)
		return
	}
	f.log.Error("Terminated message after final attempt",
		logger.String("subject", env.subject),
		logger.Uint64("attempt", env.attempt),
		logger.Error(err),
	)
}

// invoke shields the pool from handler panics; a panic is a failed attempt,
// never a dead worker.
func (f *Forwarder) invoke(ctx context.Context, env envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return f.handler(ctx, env.subject, env.payload, env.attempt)
}

func (f *Forwarder) maxAckPending() int {
	if f.cfg.MaxAckPending > 0 {
		return f.cfg.MaxAckPending
	}
	// Twice the pool size keeps workers fed without unbounded in-flight
	// deliveries ahead of the queue.
	return 2 * f.cfg.MaxConcurrent
}

// deliveryAttempt reads the broker-tracked delivery count. The count comes
// from the message metadata, never from local bookkeeping; a message without
// parseable metadata counts as a first delivery.
func deliveryAttempt(msg *nats.Msg) uint64 {
	md, err := msg.Metadata()
	if err != nil || md == nil {
		return 1
	}
	if md.NumDelivered == 0 {
		return 1
	}
	return md.NumDelivered
}

// durableName derives a stable per-subject durable so that a restarted
// process reattaches to the same consumer position instead of creating a new
// one. Characters that are not valid in durable names are normalized.
func durableName(prefix, subject string) string {
	var b strings.Builder
	b.Grow(len(prefix) + 1 + len(subject))
	b.WriteString(prefix)
	b.WriteByte('-')
	for _, r := range subject {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// sleepCtx sleeps d unless ctx ends first; reports whether the full sleep
// completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
