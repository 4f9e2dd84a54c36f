package mqttingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
	"github.com/travigo/fleettrack/pkg/config"
	"github.com/travigo/fleettrack/pkg/model"
	"github.com/travigo/fleettrack/pkg/tracking"
)

const (
	recordTimeout = 2 * time.Second

	DefaultWorkers = 32
	shardBuffer    = 64
)

type LocationRecorder interface {
	RecordLocation(ctx context.Context, sample model.LocationSample) (*tracking.Ack, error)
}

// locationMessage carries no company: it comes from the topic, which the broker ACL
// binds to the device's credentials.
type locationMessage struct {
	Latitude  *float64  `json:"latitude"`
	Longitude *float64  `json:"longitude"`
	Accuracy  *float64  `json:"accuracy"`
	Speed     *float64  `json:"speed"`
	Heading   *float64  `json:"heading"`
	Altitude  *float64  `json:"altitude"`
	Timestamp time.Time `json:"timestamp"`
}

func Connect(cfg config.MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn().Err(err).Msg("MQTT connection lost")
		})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}

	log.Info().Str("broker", cfg.Broker).Msg("Connected to MQTT broker")

	return client, nil
}

// Subscriber routes device location messages published on
// fleet/companies/{companyId}/drivers/{driverId}/location through the ingest coordinator.
// Messages are sharded by driver so each driver's samples stay in order while
// different drivers are recorded in parallel.
type Subscriber struct {
	client   mqtt.Client
	topic    string
	recorder LocationRecorder

	shards []chan *model.LocationSample
	pool   *pool.Pool

	mutex   sync.RWMutex
	stopped bool
}

func NewSubscriber(client mqtt.Client, topic string, recorder LocationRecorder, workers int) *Subscriber {
	if workers < 1 {
		workers = DefaultWorkers
	}

	shards := make([]chan *model.LocationSample, workers)
	for i := range shards {
		shards[i] = make(chan *model.LocationSample, shardBuffer)
	}

	return &Subscriber{
		client:   client,
		topic:    topic,
		recorder: recorder,
		shards:   shards,
		pool:     pool.New().WithMaxGoroutines(workers),
	}
}

func (s *Subscriber) Start() error {
	s.startWorkers()

	token := s.client.Subscribe(s.topic, 1, s.handleMessage)
	token.Wait()
	return token.Error()
}

func (s *Subscriber) Stop() {
	if token := s.client.Unsubscribe(s.topic); token.Wait() && token.Error() != nil {
		log.Warn().Err(token.Error()).Msg("Failed to unsubscribe from MQTT topic")
	}
	s.drain()
	s.client.Disconnect(250)
}

func (s *Subscriber) startWorkers() {
	for _, shard := range s.shards {
		s.pool.Go(func() {
			for sample := range shard {
				s.record(sample)
			}
		})
	}
}

// drain stops accepting messages and waits for the queued ones to be recorded.
func (s *Subscriber) drain() {
	s.mutex.Lock()
	if s.stopped {
		s.mutex.Unlock()
		return
	}
	s.stopped = true
	for _, shard := range s.shards {
		close(shard)
	}
	s.mutex.Unlock()

	s.pool.Wait()
}

func (s *Subscriber) shardFor(driverID string) chan *model.LocationSample {
	hash := fnv.New32a()
	hash.Write([]byte(driverID))
	return s.shards[hash.Sum32()%uint32(len(s.shards))]
}

func (s *Subscriber) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	sample, err := parseMessage(msg.Topic(), msg.Payload())
	if err != nil {
		log.Warn().Err(err).Str("topic", msg.Topic()).Msg("Invalid location message")
		return
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.stopped {
		return
	}

	// Blocks the paho router when a shard is backed up
	s.shardFor(sample.DriverID) <- sample
}

func (s *Subscriber) record(sample *model.LocationSample) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if _, err := s.recorder.RecordLocation(ctx, *sample); err != nil {
		event := log.Error()
		if model.IsValidationError(err) || errors.Is(err, model.ErrConcurrentUpdate) {
			event = log.Warn()
		}
		event.Err(err).Str("driver", sample.DriverID).Msg("Failed to record MQTT location")
	}
}

func identityFromTopic(topic string) (string, string, error) {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	if len(parts) != 6 || parts[0] != "fleet" || parts[1] != "companies" || parts[3] != "drivers" || parts[5] != "location" ||
		parts[2] == "" || parts[4] == "" {
		return "", "", fmt.Errorf("unexpected topic %q", topic)
	}
	return parts[2], parts[4], nil
}

func parseMessage(topic string, payload []byte) (*model.LocationSample, error) {
	companyID, driverID, err := identityFromTopic(topic)
	if err != nil {
		return nil, err
	}

	var message locationMessage
	if err := json.Unmarshal(payload, &message); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	if message.Latitude == nil || message.Longitude == nil {
		validationErr := model.NewValidationError("latitude", "is required")
		if message.Latitude != nil {
			validationErr = model.NewValidationError("longitude", "is required")
		} else if message.Longitude == nil {
			validationErr.Add("longitude", "is required")
		}
		return nil, validationErr
	}

	return &model.LocationSample{
		DriverID:   driverID,
		CompanyID:  companyID,
		Latitude:   *message.Latitude,
		Longitude:  *message.Longitude,
		Accuracy:   message.Accuracy,
		Speed:      message.Speed,
		Heading:    message.Heading,
		Altitude:   message.Altitude,
		RecordedAt: message.Timestamp,
	}, nil
}
