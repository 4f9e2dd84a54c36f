package usage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/adjust/rmq/v5"
)

// QueuePublisher pushes usage events onto a redis backed rmq queue.
type QueuePublisher struct {
	queue rmq.Queue
}

func NewQueuePublisher(connection rmq.Connection, queueName string) (*QueuePublisher, error) {
	queue, err := connection.OpenQueue(queueName)
	if err != nil {
		return nil, fmt.Errorf("open usage queue: %w", err)
	}
	return &QueuePublisher{queue: queue}, nil
}

func (p *QueuePublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal usage event: %w", err)
	}
	return p.queue.PublishBytes(body)
}

func (p *QueuePublisher) Close() error {
	return nil
}
