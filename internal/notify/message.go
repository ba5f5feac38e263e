// Package notify carries change notifications between gate components. It is
// read-side only: nothing depends on a notification arriving.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

const (
	TopicScanLogged         = "scan.logged"
	TopicDiscrepancyCreated = "discrepancy.created"
	TopicFraudFlagged       = "fraud.flagged"
	TopicSyncDivergence     = "sync.divergence"
)

var Topics = []string{TopicScanLogged, TopicDiscrepancyCreated, TopicFraudFlagged, TopicSyncDivergence}

type Message struct {
	Topic       string          `json:"topic"`
	Key         string          `json:"key"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"published_at"`
}

func NewMessage(topic, key string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Topic: topic, Key: key, Payload: data, PublishedAt: time.Now().UTC()}, nil
}

type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload any) error
}

// Fanout publishes to every publisher and reports all failures together.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, topic, key string, payload any) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, topic, key, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops everything.
type Discard struct{}

func (Discard) Publish(context.Context, string, string, any) error { return nil }
