package usage

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"github.com/travigo/fleettrack/pkg/config"
	"github.com/travigo/fleettrack/pkg/consumer"
	"github.com/travigo/fleettrack/pkg/elastic_client"
	"github.com/travigo/fleettrack/pkg/redis_client"
	"github.com/urfave/cli/v2"
)

// NewPublisher builds the publisher selected by the usage sink setting. Network sinks
// are wrapped so publishing never waits on the broker.
func NewPublisher(cfg *config.Config, connection *redis_client.Connection) (Publisher, error) {
	var sink Publisher
	var err error

	switch cfg.Usage.Sink {
	case "queue":
		sink, err = NewQueuePublisher(connection.QueueConnection, cfg.Usage.Queue)
	case "amqp":
		sink, err = NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
	case "none", "":
		return NopPublisher{}, nil
	default:
		return nil, fmt.Errorf("unknown usage sink %q", cfg.Usage.Sink)
	}
	if err != nil {
		return nil, err
	}

	return NewAsyncPublisher(sink, cfg.Usage.Workers, cfg.Usage.QueueSize, cfg.Usage.Timeout), nil
}

func RegisterCLI() *cli.Command {
	return &cli.Command{
		Name:  "usage",
		Usage: "Ships usage events to the audit index",
		Subcommands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run usage event consumers",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen",
						Value: ":3333",
						Usage: "listen target for the queue stats server",
					},
				},
				Action: func(c *cli.Context) error {
					cfg, err := config.Load()
					if err != nil {
						return err
					}

					connection, err := redis_client.Connect(c.Context, cfg.Redis)
					if err != nil {
						return err
					}
					defer connection.Close()

					elastic, err := elastic_client.Connect(cfg.Elasticsearch)
					if err != nil {
						return err
					}

					redisConsumer := consumer.RedisConsumer{
						Connection:      connection.QueueConnection,
						QueueName:       cfg.Usage.Queue,
						NumberConsumers: 5,
						BatchSize:       50,
						Timeout:         2 * time.Second,
						Consumer:        NewBatchConsumer(elastic),
					}
					if err := redisConsumer.Setup(); err != nil {
						return err
					}

					statsApp := fiber.New(fiber.Config{DisableStartupMessage: true})
					consumer.RegisterStatsRoutes(statsApp.Group("/"+cfg.Usage.Queue), connection.QueueConnection, func() error {
						return connection.Client.Ping(context.Background()).Err()
					})
					go func() {
						if err := statsApp.Listen(c.String("listen")); err != nil {
							log.Error().Err(err).Msg("Stats server stopped")
						}
					}()

					signals := make(chan os.Signal, 1)
					signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
					defer signal.Stop(signals)

					<-signals
					go func() {
						<-signals // hard exit on second signal
						os.Exit(1)
					}()

					redisConsumer.Stop()
					statsApp.Shutdown()

					return elastic.Close(context.Background())
				},
			},
			{
				Name:  "cleaner",
				Usage: "return unacked usage deliveries from dead consumers",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "interval",
						Value: 5 * time.Minute,
					},
				},
				Action: func(c *cli.Context) error {
					cfg, err := config.Load()
					if err != nil {
						return err
					}

					connection, err := redis_client.Connect(c.Context, cfg.Redis)
					if err != nil {
						return err
					}
					defer connection.Close()

					ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
					defer stop()

					RunCleaner(ctx, connection.QueueConnection, c.Duration("interval"))

					return nil
				},
			},
		},
	}
}
