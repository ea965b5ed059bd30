// Package relay connects JetStream to HTTP-based consumers and producers.
//
// It has two symmetric halves. The Forwarder holds durable subscriptions on a
// stream, fans deliveries through a bounded queue into a fixed worker pool and
// acks, naks or terminates each message from the handler outcome and the
// broker-reported delivery attempt. The Publisher accepts payloads through
// Enqueue and guarantees eventual publication across broker outages with a
// drain loop and transient-failure requeue.
//
// Both halves own exactly one broker connection and run forever behind a
// doubling, capped reconnect backoff. Neither survives a process restart with
// state of its own: redelivery after restart is the broker's job.
package relay
