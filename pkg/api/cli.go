package api

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kr/pretty"
	"github.com/rs/zerolog/log"
	"github.com/travigo/fleettrack/pkg/config"
	"github.com/travigo/fleettrack/pkg/database"
	"github.com/travigo/fleettrack/pkg/model"
	"github.com/travigo/fleettrack/pkg/mqttingest"
	"github.com/urfave/cli/v2"
)

func RegisterCLI() *cli.Command {
	return &cli.Command{
		Name:  "tracking",
		Usage: "Provides the vehicle tracking service",
		Subcommands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run tracking api and websocket server",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen",
						Usage: "listen target for the web server, overrides http.listen",
					},
				},
				Action: func(c *cli.Context) error {
					cfg, err := config.Load()
					if err != nil {
						return err
					}
					if c.String("listen") != "" {
						cfg.HTTP.Listen = c.String("listen")
					}

					return run(c.Context, cfg)
				},
			},
			{
				Name:  "migrate",
				Usage: "apply database migrations for the location store",
				Action: func(c *cli.Context) error {
					cfg, err := config.Load()
					if err != nil {
						return err
					}

					return database.Migrate(cfg.Postgres.Connection)
				},
			},
			{
				Name:  "record",
				Usage: "record a single location sample and print the acknowledgement",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "driver", Required: true},
					&cli.StringFlag{Name: "company", Required: true},
					&cli.Float64Flag{Name: "lat", Required: true},
					&cli.Float64Flag{Name: "lng", Required: true},
					&cli.Float64Flag{Name: "speed", Value: -1, Usage: "speed in m/s, omitted when negative"},
				},
				Action: func(c *cli.Context) error {
					cfg, err := config.Load()
					if err != nil {
						return err
					}

					services, err := NewServices(c.Context, cfg)
					if err != nil {
						return err
					}
					defer services.Close()
					services.Writer.Start()

					sample := model.LocationSample{
						DriverID:   c.String("driver"),
						CompanyID:  c.String("company"),
						Latitude:   c.Float64("lat"),
						Longitude:  c.Float64("lng"),
						RecordedAt: time.Now(),
					}
					if speed := c.Float64("speed"); speed >= 0 {
						sample.Speed = &speed
					}

					ack, err := services.Coordinator.RecordLocation(c.Context, sample)
					if err != nil {
						return err
					}

					pretty.Println(ack)

					return nil
				},
			},
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	services, err := NewServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer services.Close()

	services.Writer.Start()

	hubCtx, cancelHub := context.WithCancel(context.Background())
	defer cancelHub()
	go services.Hub.Run(hubCtx, services.Bus)

	if cfg.MQTT.Broker != "" {
		mqttClient, err := mqttingest.Connect(cfg.MQTT)
		if err != nil {
			return err
		}

		subscriber := mqttingest.NewSubscriber(mqttClient, cfg.MQTT.Topic, services.Coordinator, cfg.MQTT.Workers)
		if err := subscriber.Start(); err != nil {
			return err
		}
		defer subscriber.Stop()

		log.Info().Str("topic", cfg.MQTT.Topic).Msg("Subscribed to device location topic")
	}

	webApp := NewApp(services.Dependencies())

	listenErr := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.HTTP.Listen).Msg("Starting tracking server")
		listenErr <- webApp.Listen(cfg.HTTP.Listen)
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	select {
	case err := <-listenErr:
		return err
	case <-signals:
	}

	go func() {
		<-signals // hard exit on second signal (in case shutdown gets stuck)
		os.Exit(1)
	}()

	log.Info().Msg("Shutting down tracking server")

	return webApp.ShutdownWithTimeout(10 * time.Second)
}
