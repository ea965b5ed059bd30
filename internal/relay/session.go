package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/orchestrix/jetrelay/pkg/logger"
)

// SessionConfig describes how a role connects to the broker.
type SessionConfig struct {
	URL            string
	Name           string // client name shown in broker monitoring
	User           string
	Password       string
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	MaxPingsOut    int
}

// Session owns one live broker connection for a single role. Forwarder and
// Publisher each hold their own; the handle is never shared between them.
type Session struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	log *logger.Logger

	closed    chan struct{}
	closeOnce sync.Once
}

// Connect establishes the connection. Once up, the client reconnects on its
// own with no attempt limit; an initial dial failure is returned to the
// caller, whose run loop applies the backoff policy and retries.
func Connect(cfg SessionConfig, log *logger.Logger) (*Session, error) {
	s := &Session{log: log, closed: make(chan struct{})}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.PingInterval(cfg.PingInterval),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("Broker disconnected; client reconnecting", logger.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("Reconnected to broker", logger.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Error("Broker connection closed")
			s.closeOnce.Do(func() { close(s.closed) })
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.URL, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	s.nc = nc
	s.js = js
	log.Info("Connected to broker",
		logger.String("url", nc.ConnectedUrl()),
		logger.String("name", cfg.Name),
	)
	return s, nil
}

// JetStream returns the stream context bound to this connection.
func (s *Session) JetStream() nats.JetStreamContext {
	return s.js
}

// Closed is signalled when the connection is gone for good. Transient
// network blips are absorbed by the client's own reconnect and do not fire it.
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

// Close drains best-effort and never returns an error.
func (s *Session) Close() {
	if s.nc == nil || s.nc.IsClosed() {
		return
	}
	if err := s.nc.Drain(); err != nil {
		s.log.Warn("Drain failed; closing connection hard", logger.Error(err))
		s.nc.Close()
	}
}
