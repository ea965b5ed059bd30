package relay

import (
	"errors"
	"fmt"
	"sort"

	"github.com/nats-io/nats.go"

	"github.com/orchestrix/jetrelay/pkg/logger"
)

// jetStreamManager is the stream-admin subset of nats.JetStreamContext used
// for provisioning.
type jetStreamManager interface {
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// ensureStream creates the stream with limits retention when it does not
// exist and widens its subject set when the configured subjects are not a
// subset. Nothing happens when everything already matches, so it is safe to
// run on every reconnect.
func ensureStream(jsm jetStreamManager, name string, subjects []string, log *logger.Logger) error {
	info, err := jsm.StreamInfo(name)
	if errors.Is(err, nats.ErrStreamNotFound) {
		if _, err := jsm.AddStream(&nats.StreamConfig{
			Name:      name,
			Subjects:  subjects,
			Retention: nats.LimitsPolicy,
		}); err != nil {
			return fmt.Errorf("create stream %s: %w", name, err)
		}
		log.Info("Created stream",
			logger.String("stream", name),
			logger.Strings("subjects", subjects),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("stream info %s: %w", name, err)
	}

	existing := make(map[string]bool, len(info.Config.Subjects))
	for _, s := range info.Config.Subjects {
		existing[s] = true
	}
	grew := false
	for _, s := range subjects {
		if !existing[s] {
			existing[s] = true
			grew = true
		}
	}
	if !grew {
		return nil
	}

	union := make([]string, 0, len(existing))
	for s := range existing {
		union = append(union, s)
	}
	sort.Strings(union)

	cfg := info.Config
	cfg.Subjects = union
	if _, err := jsm.UpdateStream(&cfg); err != nil {
		return fmt.Errorf("update stream %s: %w", name, err)
	}
	log.Info("Updated stream subjects",
		logger.String("stream", name),
		logger.Strings("subjects", union),
	)
	return nil
}
