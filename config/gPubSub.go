package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// NewPubSubClient returns a Pub/Sub client, initializing with retries until ctx is done.
// It uses Application Default Credentials unless PUBSUB_CREDENTIALS_JSON is provided.
// Without a project id Pub/Sub is treated as not configured and (nil, nil) is returned.
func NewPubSubClient(ctx context.Context, s PubSubSettings, logg *logrus.Logger) (*pubsub.Client, error) {
	if s.ProjectID == "" || s.Topic == "" {
		return nil, nil
	}

	var attempt int
	for {
		attempt++

		var (
			c   *pubsub.Client
			err error
		)
		if s.CredentialsJSON != "" {
			c, err = pubsub.NewClient(ctx, s.ProjectID, option.WithCredentialsJSON([]byte(s.CredentialsJSON)))
		} else {
			// Uses Application Default Credentials (Cloud Run service account or GOOGLE_APPLICATION_CREDENTIALS).
			c, err = pubsub.NewClient(ctx, s.ProjectID)
		}
		if err == nil {
			logg.WithFields(logrus.Fields{"field": "pubsub", "project_id": s.ProjectID, "attempt": attempt}).Info("pubsub client ready")
			return c, nil
		}

		sleep := retrySleep(attempt)
		logg.WithFields(logrus.Fields{"field": "pubsub", "project_id": s.ProjectID, "attempt": attempt}).
			Warnf("failed to init pubsub client: %v; retrying in %s", err, sleep)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("pubsub connect aborted after %d attempts: %w", attempt, ctx.Err())
		case <-time.After(sleep):
		}
	}
}

func CreateTopicIfNotExists(ctx context.Context, c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("pubsub topic is empty")
	}
	t := c.Topic(topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	return c.CreateTopic(ctx, topic)
}
