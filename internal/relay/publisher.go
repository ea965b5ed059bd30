package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/orchestrix/jetrelay/pkg/logger"
)

// outboundItem is one payload waiting for publication. Consumed on success,
// re-inserted at the tail on a transient failure.
type outboundItem struct {
	subject string
	data    []byte
}

// jetStreamPublisher is the publish subset of nats.JetStreamContext.
type jetStreamPublisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// PublisherConfig carries every knob of the publishing side.
type PublisherConfig struct {
	Session            SessionConfig
	Stream             string
	Subjects           []string
	InitReconnectDelay time.Duration
	MaxReconnectDelay  time.Duration
	PublishTimeout     time.Duration
	QueueCapacity      int
	EnsureStream       bool
}

// Publisher accepts payloads through Enqueue and publishes them to the stream
// asynchronously, surviving broker outages by reconnecting and requeueing.
type Publisher struct {
	cfg     PublisherConfig
	log     *logger.Logger
	queue   *boundedQueue[outboundItem]
	backoff Backoff

	stop     chan struct{}
	stopOnce sync.Once

	// connect is swapped out by tests.
	connect func() (*Session, error)
}

// NewPublisher wires a publisher; Run drives the drain loop.
func NewPublisher(cfg PublisherConfig, log *logger.Logger) *Publisher {
	return &Publisher{
		cfg:     cfg,
		log:     log,
		queue:   newBoundedQueue[outboundItem](cfg.QueueCapacity),
		backoff: Backoff{Initial: cfg.InitReconnectDelay, Max: cfg.MaxReconnectDelay},
		stop:    make(chan struct{}),
		connect: func() (*Session, error) { return Connect(cfg.Session, log) },
	}
}

// Enqueue schedules a payload for publication. Byte and string payloads pass
// through untouched; anything else is encoded as compact JSON. Serialization
// failures are logged and the payload dropped, never surfaced to the caller.
// A full queue blocks the caller; that is the backpressure contract.
func (p *Publisher) Enqueue(ctx context.Context, subject string, payload any) {
	if !p.knownSubject(subject) {
		p.log.Warn("Subject not registered",
			logger.String("subject", subject),
			logger.Strings("subjects", p.cfg.Subjects),
		)
	}
	data, err := encodePayload(payload)
	if err != nil {
		p.log.Error("Payload serialization failed",
			logger.String("subject", subject),
			logger.Error(err),
		)
		return
	}
	if err := p.queue.Put(ctx, outboundItem{subject: subject, data: data}); err != nil {
		p.log.Warn("Enqueue cancelled", logger.String("subject", subject))
	}
}

// Run connects and drains the queue until ctx is cancelled or Stop is called.
// Broker unavailability is never fatal: the loop backs off and reconnects
// forever while Enqueue keeps absorbing payloads up to the queue capacity.
func (p *Publisher) Run(ctx context.Context) error {
	delay := p.backoff.Reset()
	for {
		if p.stopping() {
			return nil
		}
		sess, err := p.connect()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Warn("Publisher connect failed",
				logger.Error(err),
				logger.Duration("retry_in", delay),
			)
			if !p.sleepRetry(ctx, delay) {
				return ctx.Err()
			}
			delay = p.backoff.Next(delay)
			continue
		}
		delay = p.backoff.Reset()

		err = p.serve(ctx, sess)
		sess.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.stopping() {
			return nil
		}
		p.log.Warn("Publisher session ended; reconnecting",
			logger.Error(err),
			logger.Duration("retry_in", delay),
		)
		if !p.sleepRetry(ctx, delay) {
			return ctx.Err()
		}
		delay = p.backoff.Next(delay)
	}
}

// sleepRetry sleeps d unless ctx ends or Stop is called first; reports
// whether the full sleep completed. Without the stop case a Stop during a
// broker outage would wait out the whole reconnect delay.
func (p *Publisher) sleepRetry(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-p.stop:
		return false
	}
}

// Stop signals Run to finish its best-effort drain and return. Items that
// fail during the drain are logged and lost; this is a drain, not a
// guarantee.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// serve provisions the stream and runs the drain loop until the session
// dies, ctx is cancelled or Stop is called.
func (p *Publisher) serve(ctx context.Context, sess *Session) error {
	js := sess.JetStream()
	if p.cfg.EnsureStream {
		if err := ensureStream(js, p.cfg.Stream, p.cfg.Subjects, p.log); err != nil {
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.drainLoop(loopCtx, js)
	}()

	select {
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	case <-sess.Closed():
		cancel()
		<-done
		return errSessionClosed
	case <-p.stop:
		cancel()
		<-done
		p.drainRemaining(js)
		return nil
	}
}

func (p *Publisher) drainLoop(ctx context.Context, js jetStreamPublisher) {
	for {
		item, err := p.queue.Get(ctx)
		if err != nil {
			return
		}
		p.publishOne(ctx, js, item)
	}
}

// publishOne publishes one item with the configured timeout. Transient
// failures requeue the item for a later pass; when the queue is full at that
// moment the item is dropped, since bounded memory outranks it. Permanent
// failures drop immediately: they will not succeed on retry.
func (p *Publisher) publishOne(ctx context.Context, js jetStreamPublisher, item outboundItem) {
	pubCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	ack, err := js.Publish(item.subject, item.data, nats.Context(pubCtx))
	cancel()

	if err == nil {
		var seq uint64
		if ack != nil {
			seq = ack.Sequence
		}
		p.log.Debug("Published",
			logger.String("subject", item.subject),
			logger.Uint64("seq", seq),
			logger.Int("size", len(item.data)),
		)
		return
	}

	if isTransientPublishErr(err) {
		p.log.Warn("Transient publish error; requeueing",
			logger.String("subject", item.subject),
			logger.Error(err),
		)
		if !p.queue.TryPut(item) {
			p.log.Error("Queue full; dropping message",
				logger.String("subject", item.subject),
			)
		}
		return
	}

	p.log.Error("Publish failed; dropping message",
		logger.String("subject", item.subject),
		logger.Error(err),
	)
}

// drainRemaining makes one synchronous pass over whatever is still queued.
func (p *Publisher) drainRemaining(js jetStreamPublisher) {
	for {
		item, ok := p.queue.TryGet()
		if !ok {
			return
		}
		if _, err := js.Publish(item.subject, item.data); err != nil {
			p.log.Warn("Drain publish failed",
				logger.String("subject", item.subject),
				logger.Error(err),
			)
			continue
		}
		p.log.Debug("Drained message", logger.String("subject", item.subject))
	}
}

func (p *Publisher) stopping() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

// knownSubject checks the configured set. Mismatches only warn: the stream's
// subject list may be mid-update and the broker has the final say.
func (p *Publisher) knownSubject(subject string) bool {
	for _, s := range p.cfg.Subjects {
		if s == subject {
			return true
		}
	}
	return false
}

// encodePayload passes bytes and strings through and JSON-encodes the rest.
func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
}
