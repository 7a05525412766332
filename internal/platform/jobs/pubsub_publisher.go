package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cloud.google.com/go/pubsub"

	domain "github.com/tripfare/api/internal/domain"
)

// PubSubSnapshotPublisher publishes pricing snapshot updates to a Pub/Sub topic.
type PubSubSnapshotPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubSnapshotPublisher constructs a Pub/Sub backed snapshot publisher.
func NewPubSubSnapshotPublisher(topic *pubsub.Topic) (*PubSubSnapshotPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub snapshot publisher: topic is required")
	}
	// Updates for one package must reach consumers in emission order.
	topic.EnableMessageOrdering = true
	return &PubSubSnapshotPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishSnapshot sends update as JSON and waits for the server-assigned message ID.
func (p *PubSubSnapshotPublisher) PublishSnapshot(ctx context.Context, update domain.SnapshotUpdate) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub snapshot publisher: not initialised")
	}

	data, err := p.marshal(update)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot update: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "packageId", update.PackageID)
	attrs["noData"] = strconv.FormatBool(update.NoData)
	if update.Snapshot != nil {
		setAttr(attrs, "snapshotId", update.Snapshot.ID)
		setAttr(attrs, "currency", update.Snapshot.Currency)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
		OrderingKey: strings.TrimSpace(update.PackageID),
	})

	id, err := result.Get(ctx)
	if err != nil {
		p.topic.ResumePublish(strings.TrimSpace(update.PackageID))
		return "", fmt.Errorf("publish snapshot update: %w", err)
	}
	return id, nil
}

// Stop flushes pending messages.
func (p *PubSubSnapshotPublisher) Stop() {
	if p != nil && p.topic != nil {
		p.topic.Stop()
	}
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
