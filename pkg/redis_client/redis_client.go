package redis_client

import (
	"context"

	"github.com/adjust/rmq/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/travigo/fleettrack/pkg/config"
)

const queueConnectionTag = "fleettrack"

// Connection bundles the redis client with the rmq queue connection built on top of it.
type Connection struct {
	Client          *redis.Client
	QueueConnection rmq.Connection
}

func Connect(ctx context.Context, cfg config.RedisConfig) (*Connection, error) {
	options := &redis.Options{
		Addr: cfg.Address,
		DB:   cfg.Database,
	}
	if cfg.Password != "" {
		options.Password = cfg.Password
	}

	client := redis.NewClient(options)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	errChan := make(chan error, 10)
	go logQueueErrors(errChan)

	queueConnection, err := rmq.OpenConnectionWithRedisClient(queueConnectionTag, client, errChan)
	if err != nil {
		return nil, err
	}

	log.Info().Str("address", cfg.Address).Msg("Connected to Redis")

	return &Connection{
		Client:          client,
		QueueConnection: queueConnection,
	}, nil
}

func (c *Connection) Close() error {
	<-c.QueueConnection.StopAllConsuming()
	return c.Client.Close()
}

func logQueueErrors(errChan <-chan error) {
	for err := range errChan {
		switch err := err.(type) {
		case *rmq.HeartbeatError:
			if err.Count == rmq.HeartbeatErrorLimit {
				log.Error().Err(err).Msg("Queue heartbeat failed, consumers stopped")
			} else {
				log.Warn().Err(err).Msg("Queue heartbeat error")
			}
		case *rmq.ConsumeError:
			log.Warn().Err(err).Msg("Queue consume error")
		case *rmq.DeliveryError:
			log.Warn().Err(err).Msg("Queue delivery error")
		default:
			log.Error().Err(err).Msg("Queue error")
		}
	}
}
