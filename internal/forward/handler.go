// Package forward posts transformed stream events to the downstream alert
// API. It is the message handler plugged into the relay forwarder: a nil
// return acknowledges the message, an error schedules a redelivery.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/orchestrix/jetrelay/internal/transform"
	"github.com/orchestrix/jetrelay/pkg/logger"
)

const maxErrorBody = 512

// Handler transforms payloads per subject and POSTs each resulting document
// to the configured API URL.
type Handler struct {
	url      string
	client   *http.Client
	registry *transform.Registry
	log      *logger.Logger
}

// New builds a handler around a pooled HTTP client. The API URL is
// normalized to end with a single trailing slash, matching what the alert
// API routes on.
func New(apiURL string, timeout time.Duration, reg *transform.Registry, log *logger.Logger) *Handler {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = timeout
	return &Handler{
		url:      normURL(apiURL),
		client:   client,
		registry: reg,
		log:      log,
	}
}

// Handle transforms one message and delivers every resulting document. The
// message is acknowledged only when all documents land with a 2xx; a single
// failure fails the whole message so redelivery replays it.
func (h *Handler) Handle(ctx context.Context, subject string, payload []byte, attempt uint64) error {
	docs, err := h.registry.Lookup(subject)(payload)
	if errors.Is(err, transform.ErrMalformed) {
		// Redelivery cannot fix a payload that does not parse; ack and keep
		// the event reconstructable from the log.
		h.log.Error("Dropping malformed message",
			logger.String("subject", subject),
			logger.Uint64("attempt", attempt),
			logger.Error(err),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("transform %s: %w", subject, err)
	}
	if len(docs) == 0 {
		h.log.Debug("Nothing to forward", logger.String("subject", subject))
		return nil
	}

	for _, doc := range docs {
		if _, ok := doc["alert_type"]; !ok {
			doc["alert_type"] = "Other"
		}
		if err := h.postJSON(ctx, doc); err != nil {
			return fmt.Errorf("forward %s: %w", subject, err)
		}
	}
	h.log.Debug("Forwarded",
		logger.String("subject", subject),
		logger.Int("documents", len(docs)),
		logger.Uint64("attempt", attempt),
	)
	return nil
}

func (h *Handler) postJSON(ctx context.Context, doc map[string]any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("POST %s: status %d: %s", h.url, resp.StatusCode, strings.TrimSpace(string(snippet)))
}

func normURL(url string) string {
	return strings.TrimRight(url, "/") + "/"
}
