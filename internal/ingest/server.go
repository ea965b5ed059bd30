// Package ingest exposes the publishing side over HTTP: services that cannot
// speak NATS directly POST their payloads here and the relay publisher takes
// care of delivery.
package ingest

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/orchestrix/jetrelay/pkg/logger"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// enqueuer is the publisher surface the server needs.
type enqueuer interface {
	Enqueue(ctx context.Context, subject string, payload any)
}

type Server struct {
	pub enqueuer
	log *logger.Logger
	srv *http.Server
	lis net.Listener
}

func New(pub enqueuer, log *logger.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{pub: pub, log: log, srv: &http.Server{Handler: mux}}
	mux.HandleFunc("/v1/healthz", s.handleHealth)
	mux.HandleFunc("/v1/publish/", s.handlePublish)
	return s
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.log.Info("Ingest server listening", logger.String("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handlePublish accepts POST /v1/publish/{subject} with a JSON body and
// queues it for asynchronous publication. 202 means queued, not delivered;
// the publisher's drain loop owns delivery.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	subject := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/publish/"), "/")
	if subject == "" {
		http.Error(w, "missing subject", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !json.Valid(body) {
		http.Error(w, "body must be JSON", http.StatusBadRequest)
		return
	}

	s.pub.Enqueue(r.Context(), subject, json.RawMessage(body))
	s.log.Debug("Queued for publication",
		logger.String("subject", subject),
		logger.Int("size", len(body)),
	)
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "queued", "subject": subject})
}
