package elastic_client

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
	"github.com/rs/zerolog/log"
	"github.com/travigo/fleettrack/pkg/config"
)

// Client wraps an Elasticsearch connection and the bulk indexer feeding it.
// A Client built from an empty address is disabled and drops every document.
type Client struct {
	ES          *elasticsearch.Client
	bulkIndexer esutil.BulkIndexer
}

func Connect(cfg config.ElasticsearchConfig) (*Client, error) {
	if cfg.Address == "" {
		log.Info().Msg("Skipping Elasticsearch setup")
		return &Client{}, nil
	}

	retryBackoff := backoff.NewExponentialBackOff()

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.Address},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: http.DefaultTransport.(*http.Transport).Clone(),

		RetryOnStatus: []int{502, 503, 504, 429},
		RetryBackoff: func(i int) time.Duration {
			if i == 1 {
				retryBackoff.Reset()
			}
			return retryBackoff.NextBackOff()
		},
		MaxRetries: 5,
	})
	if err != nil {
		return nil, err
	}

	if _, err = es.Info(); err != nil {
		return nil, err
	}

	bulkIndexer, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Client:        es,
		FlushInterval: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("address", cfg.Address).Msg("Elasticsearch client setup")

	return &Client{ES: es, bulkIndexer: bulkIndexer}, nil
}

func (c *Client) Enabled() bool {
	return c != nil && c.bulkIndexer != nil
}

func (c *Client) IndexRequest(ctx context.Context, indexName string, document io.ReadSeeker) error {
	if !c.Enabled() {
		return nil
	}

	return c.bulkIndexer.Add(
		ctx,
		esutil.BulkIndexerItem{
			Index:  indexName,
			Action: "index",
			Body:   document,
			OnFailure: func(ctx context.Context, item esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem, err error) {
				if err != nil {
					log.Error().Err(err).Str("indexName", indexName).Msg("Failed to index document")
				} else {
					log.Error().Str("type", res.Error.Type).Str("reason", res.Error.Reason).Msg("Failed to index document")
				}
			},
		},
	)
}

// Close flushes anything still buffered in the bulk indexer.
func (c *Client) Close(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	return c.bulkIndexer.Close(ctx)
}
