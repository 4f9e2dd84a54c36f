package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/adjust/rmq/v5"
	"github.com/rs/zerolog/log"
)

const indexPrefix = "fleettrack-usage"

type Indexer interface {
	IndexRequest(ctx context.Context, indexName string, document io.ReadSeeker) error
}

// BatchConsumer ships queued usage events to a monthly Elasticsearch index.
type BatchConsumer struct {
	indexer Indexer
}

func NewBatchConsumer(indexer Indexer) *BatchConsumer {
	return &BatchConsumer{indexer: indexer}
}

func IndexName(event *Event) string {
	return fmt.Sprintf("%s-%s", indexPrefix, event.Timestamp.UTC().Format("2006-01"))
}

func (c *BatchConsumer) Consume(batch rmq.Deliveries) {
	ctx := context.Background()
	payloads := batch.Payloads()

	for i, payload := range payloads {
		var event Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			log.Error().Err(err).Msg("Failed to decode usage event")
			if err := batch[i].Reject(); err != nil {
				log.Error().Err(err).Msg("Failed to reject usage event")
			}
			continue
		}

		if err := c.indexer.IndexRequest(ctx, IndexName(&event), bytes.NewReader([]byte(payload))); err != nil {
			log.Error().Err(err).Str("type", string(event.Type)).Msg("Failed to queue usage event for indexing")
			if err := batch[i].Push(); err != nil {
				log.Error().Err(err).Msg("Failed to push back usage event")
			}
			continue
		}

		if err := batch[i].Ack(); err != nil {
			log.Error().Err(err).Msg("Failed to ack usage event")
		}
	}
}
