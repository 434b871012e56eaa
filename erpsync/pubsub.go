package erpsync

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/erpsync_backend/config"
	"github.com/mmdatafocus/erpsync_backend/models"
	"github.com/sirupsen/logrus"
)

// PubSubObserver publishes every finished run to a topic.
type PubSubObserver struct {
	topic  *pubsub.Topic
	logger *logrus.Logger
}

func NewPubSubObserver(topic *pubsub.Topic, logg *logrus.Logger) *PubSubObserver {
	return &PubSubObserver{topic: topic, logger: logg}
}

func (p *PubSubObserver) JobFinished(ctx context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		config.LogError(p.logger, "erpsync", "JobFinished", "encode event", nil, err)
		return
	}
	res := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"family": e.Family,
			"kind":   string(e.Kind),
			"status": e.Status,
		},
	})
	if _, err := res.Get(ctx); err != nil {
		config.LogError(p.logger, "erpsync", "JobFinished", "publish run event", map[string]string{
			"family":   e.Family,
			"run_uuid": e.RunUUID,
		}, err)
	}
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// TriggerPayload is the message body accepted by the push endpoint.
type TriggerPayload struct {
	Family string `json:"family"`
	Kind   string `json:"kind"`
}

// PubSubPushHandler queues runs requested through a push subscription. It
// always acknowledges so malformed messages are not redelivered.
func PubSubPushHandler(sched *Scheduler, logg *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		var payload TriggerPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil || strings.TrimSpace(payload.Family) == "" {
			c.Status(http.StatusNoContent)
			return
		}
		kind := models.JobKindIncremental
		if payload.Kind != "" {
			if kind, err = models.ParseJobKind(payload.Kind); err != nil {
				c.Status(http.StatusNoContent)
				return
			}
		}
		if err := sched.trigger(strings.TrimSpace(payload.Family), kind); err != nil {
			logg.WithFields(logrus.Fields{
				"module":     "erpsync",
				"family":     payload.Family,
				"message_id": envelope.Message.ID,
			}).Warnf("push trigger ignored: %v", err)
		}
		c.Status(http.StatusNoContent)
	}
}
