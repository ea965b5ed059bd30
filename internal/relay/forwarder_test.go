package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/orchestrix/jetrelay/pkg/logger"
)

// countingAcker records every ack decision, optionally signalling a WaitGroup
// once per decision.
type countingAcker struct {
	mu    sync.Mutex
	calls []string
	wg    *sync.WaitGroup
}

func (a *countingAcker) record(call string) error {
	a.mu.Lock()
	a.calls = append(a.calls, call)
	a.mu.Unlock()
	if a.wg != nil {
		a.wg.Done()
	}
	return nil
}

func (a *countingAcker) Ack(opts ...nats.AckOpt) error  { return a.record("ack") }
func (a *countingAcker) Nak(opts ...nats.AckOpt) error  { return a.record("nak") }
func (a *countingAcker) Term(opts ...nats.AckOpt) error { return a.record("term") }

func (a *countingAcker) count(call string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if c == call {
			n++
		}
	}
	return n
}

func newTestForwarder(handler Handler) *Forwarder {
	return NewForwarder(ForwarderConfig{
		Stream:          "PREDICTIONS",
		Subjects:        []string{"anomalies", "attack"},
		DurablePrefix:   "test",
		MaxRedeliveries: 3,
		MaxConcurrent:   5,
		QueueCapacity:   16,
		ShutdownTimeout: time.Second,
	}, handler, logger.Nop())
}

func TestProcessOne_AckOnSuccess(t *testing.T) {
	f := newTestForwarder(func(ctx context.Context, subject string, payload []byte, attempt uint64) error {
		return nil
	})
	acker := &countingAcker{}

	f.processOne(context.Background(), envelope{subject: "anomalies", attempt: 1, msg: acker})

	if got := acker.calls; len(got) != 1 || got[0] != "ack" {
		t.Fatalf("expected single ack, got %v", got)
	}
}

func TestProcessOne_NakThenTerm(t *testing.T) {
	// Handler that always fails, redelivery ceiling of 3: attempts 1 and 2
	// nak, attempt 3 terminates, never an ack.
	f := newTestForwarder(func(ctx context.Context, subject string, payload []byte, attempt uint64) error {
		return errors.New("downstream rejected")
	})
	acker := &countingAcker{}

	for attempt := uint64(1); attempt <= 3; attempt++ {
		f.processOne(context.Background(), envelope{subject: "anomalies", attempt: attempt, msg: acker})
	}

	want := []string{"nak", "nak", "term"}
	if len(acker.calls) != len(want) {
		t.Fatalf("expected %v, got %v", want, acker.calls)
	}
	for i := range want {
		if acker.calls[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, acker.calls)
		}
	}
}

func TestProcessOne_TermNotBeforeCeiling(t *testing.T) {
	f := newTestForwarder(func(ctx context.Context, subject string, payload []byte, attempt uint64) error {
		return errors.New("still failing")
	})
	acker := &countingAcker{}

	f.processOne(context.Background(), envelope{subject: "anomalies", attempt: 2, msg: acker})

	if acker.count("term") != 0 {
		t.Fatal("terminated before the redelivery ceiling")
	}
	if acker.count("nak") != 1 {
		t.Fatalf("expected one nak, got %v", acker.calls)
	}
}

func TestProcessOne_PanicIsFailedAttempt(t *testing.T) {
	f := newTestForwarder(func(ctx context.Context, subject string, payload []byte, attempt uint64) error {
		panic("handler exploded")
	})
	acker := &countingAcker{}

	// Must not kill the calling goroutine and must nak below the ceiling.
	f.processOne(context.Background(), envelope{subject: "anomalies", attempt: 1, msg: acker})

	if acker.count("nak") != 1 {
		t.Fatalf("expected nak after panic, got %v", acker.calls)
	}
}

func TestWorkerPool_AcksEverything(t *testing.T) {
	// 100 messages across 2 subjects through 5 workers, handler always
	// succeeds: 100 acks, zero naks, zero terms.
	const total = 100

	f := newTestForwarder(func(ctx context.Context, subject string, payload []byte, attempt uint64) error {
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(total)
	acker := &countingAcker{wg: &wg}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var workers sync.WaitGroup
	for i := 0; i < f.cfg.MaxConcurrent; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			f.worker(ctx)
		}()
	}

	subjects := []string{"anomalies", "attack"}
	for i := 0; i < total; i++ {
		env := envelope{
			subject: subjects[i%2],
			payload: []byte(fmt.Sprintf("msg-%d", i)),
			attempt: 1,
			msg:     acker,
		}
		if err := f.queue.Put(ctx, env); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not process all messages")
	}

	cancel()
	workers.Wait()

	if n := acker.count("ack"); n != total {
		t.Errorf("expected %d acks, got %d", total, n)
	}
	if n := acker.count("nak"); n != 0 {
		t.Errorf("expected zero naks, got %d", n)
	}
	if n := acker.count("term"); n != 0 {
		t.Errorf("expected zero terms, got %d", n)
	}
}

type scriptedSubscriber struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *scriptedSubscriber) Subscribe(subj string, cb nats.MsgHandler, opts ...nats.SubOpt) (*nats.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &nats.Subscription{}, nil
}

func TestSubscribe_RetriesAlreadyBound(t *testing.T) {
	f := newTestForwarder(nil)
	f.boundRetry = time.Millisecond

	js := &scriptedSubscriber{errs: []error{
		errors.New("nats: consumer is already bound to a subscription"),
		errors.New("nats: consumer is already bound to a subscription"),
		nil,
	}}

	sub, err := f.subscribe(context.Background(), js, "anomalies")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub == nil {
		t.Fatal("expected subscription")
	}
	if js.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", js.calls)
	}
}

func TestNakQueued_ReturnsUndispatchedMessages(t *testing.T) {
	// Envelopes still queued when the workers exit go back to the broker
	// right away rather than waiting out AckWait.
	f := newTestForwarder(nil)
	acker := &countingAcker{}

	for i := 0; i < 4; i++ {
		if !f.queue.TryPut(envelope{subject: "anomalies", attempt: 1, msg: acker}) {
			t.Fatal("queue unexpectedly full")
		}
	}

	f.nakQueued()

	if n := acker.count("nak"); n != 4 {
		t.Fatalf("expected 4 naks, got %d (%v)", n, acker.calls)
	}
	if n := acker.count("ack") + acker.count("term"); n != 0 {
		t.Fatalf("expected no acks or terms, got %v", acker.calls)
	}
	if f.queue.Len() != 0 {
		t.Fatalf("queue not drained: %d left", f.queue.Len())
	}
}

func TestSubscribe_CancelledDuringRetry(t *testing.T) {
	f := newTestForwarder(nil)

	js := &scriptedSubscriber{errs: []error{
		errors.New("nats: consumer is already bound to a subscription"),
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := f.subscribe(ctx, js, "anomalies"); err == nil {
		t.Fatal("expected context error")
	}
}

func TestRun_ReturnsOnCancelWhileConnectFails(t *testing.T) {
	f := newTestForwarder(nil)
	f.cfg.InitReconnectDelay = 5 * time.Millisecond
	f.cfg.MaxReconnectDelay = 10 * time.Millisecond
	f.backoff = Backoff{Initial: f.cfg.InitReconnectDelay, Max: f.cfg.MaxReconnectDelay}
	f.connect = func() (*Session, error) {
		return nil, errors.New("no servers available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := f.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestDurableName(t *testing.T) {
	tests := []struct {
		prefix  string
		subject string
		want    string
	}{
		{"jetrelay", "anomalies", "jetrelay-anomalies"},
		{"jetrelay", "hp3.predictions", "jetrelay-hp3_predictions"},
		{"svc", "alerts.*", "svc-alerts__"},
		{"svc", "a.b>c", "svc-a_b_c"},
	}

	for _, tt := range tests {
		if got := durableName(tt.prefix, tt.subject); got != tt.want {
			t.Errorf("durableName(%q, %q) = %q, want %q", tt.prefix, tt.subject, got, tt.want)
		}
	}
}

func TestDurableName_StableAcrossCalls(t *testing.T) {
	a := durableName("p", "kpi.metrics.latest")
	b := durableName("p", "kpi.metrics.latest")
	if a != b {
		t.Fatalf("durable name not deterministic: %q vs %q", a, b)
	}
}

func TestDeliveryAttempt_NoMetadata(t *testing.T) {
	msg := &nats.Msg{Subject: "anomalies", Data: []byte("{}")}
	if got := deliveryAttempt(msg); got != 1 {
		t.Fatalf("expected attempt 1 without metadata, got %d", got)
	}
}

func TestDeliveryAttempt_FromReply(t *testing.T) {
	msg := &nats.Msg{
		Subject: "anomalies",
		Reply:   "$JS.ACK.PREDICTIONS.cons.5.10.12.1700000000000000000.0",
		Sub:     &nats.Subscription{},
	}
	if got := deliveryAttempt(msg); got != 5 {
		t.Fatalf("expected attempt 5 from metadata, got %d", got)
	}
}

func TestMaxAckPending_DefaultsToTwicePool(t *testing.T) {
	f := newTestForwarder(nil)
	if got := f.maxAckPending(); got != 2*f.cfg.MaxConcurrent {
		t.Fatalf("expected %d, got %d", 2*f.cfg.MaxConcurrent, got)
	}

	f.cfg.MaxAckPending = 42
	if got := f.maxAckPending(); got != 42 {
		t.Fatalf("expected explicit value, got %d", got)
	}
}
