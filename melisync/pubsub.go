package melisync

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/vendaflow/pedidos_backend/config"
)

func syncTopicName() string {
	if v := strings.TrimSpace(os.Getenv("MELI_SYNC_TOPIC")); v != "" {
		return v
	}
	return "meli-sync"
}

// PublishSyncRun queues one reconciliation run for background execution. The
// push subscription delivers it back to PubSubPushHandler.
func PublishSyncRun(ctx context.Context, payload SyncPubSubPayload) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topic, err := config.CreateTopicIfNotExists(client, syncTopicName())
	if err != nil {
		return err
	}
	defer topic.Stop()

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	result := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = result.Get(ctx)
	return err
}

// PubSubPushHandler receives push deliveries for queued runs. Malformed
// messages are acknowledged (204) so they don't redeliver forever; transient
// processing failures return 500 so Pub/Sub retries.
func PubSubPushHandler(worker *SyncWorker) gin.HandlerFunc {
	logger := config.GetLogger()

	return func(c *gin.Context) {
		var envelope PubSubPushEnvelope
		if err := c.ShouldBindJSON(&envelope); err != nil {
			config.LogError(logger, "melisync", "PubSubPushHandler", "envelope inválido", nil, err)
			c.Status(http.StatusNoContent)
			return
		}

		var payload SyncPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil || payload.RunId == 0 {
			config.LogError(logger, "melisync", "PubSubPushHandler", "payload inválido", envelope.Message.ID, err)
			c.Status(http.StatusNoContent)
			return
		}

		if err := worker.ProcessSyncRun(c.Request.Context(), payload); err != nil {
			config.LogError(logger, "melisync", "PubSubPushHandler", "processamento do run", payload.RunId, err)
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "falha ao processar o run"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}
