package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/zymochat/platform/internal/fanout"
	"github.com/zymochat/platform/internal/model"
	"github.com/zymochat/platform/pkg/logger"
)

const (
	// StreamName is the durable session event journal.
	StreamName = "SESSION_EVENTS"

	// archiveSubjectPrefix is the prefix for all archived event subjects.
	archiveSubjectPrefix = "sess"
)

// Archive journals every locally originated fanout event into JetStream.
// The journal is for audit and ops tooling; live delivery never reads it.
type Archive struct {
	client *Client
	log    *logger.Logger
}

// NewArchive creates an archive over an established NATS connection.
func NewArchive(client *Client, log *logger.Logger) *Archive {
	return &Archive{client: client, log: log.WithComponent("archive")}
}

// EnsureStream ensures the session event stream exists.
func (a *Archive) EnsureStream(ctx context.Context) error {
	js := a.client.JetStream()

	// Check if stream exists
	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", archiveSubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      90 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024, // 10GB
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Session lifecycle and fanout event journal",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Sink returns the router sink that journals events. Writes are async;
// a failed journal write never fails the publish.
func (a *Archive) Sink() fanout.Sink {
	return func(key fanout.ChannelKey, ev model.Event) {
		// typing relays are transient chatter, not worth journaling
		if ev.Type == model.EventUserTyping || ev.Type == model.EventUserStoppedTyping {
			return
		}

		data, err := json.Marshal(ev)
		if err != nil {
			a.log.Warn("failed to marshal event for archive", zap.Error(err))
			return
		}

		subject := fmt.Sprintf("%s.%s.%s.%s", archiveSubjectPrefix, key.Namespace, key.ID, ev.Type)
		if _, err := a.client.JetStream().PublishAsync(subject, data); err != nil {
			a.log.Warn("archive publish failed",
				zap.String("subject", subject),
				zap.Error(err),
			)
		}
	}
}
