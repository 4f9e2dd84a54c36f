package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/travigo/fleettrack/pkg/events"
	"github.com/travigo/fleettrack/pkg/model"
)

const DefaultSendBuffer = 64

type Role string

const (
	RoleDriver     Role = "driver"
	RoleDispatcher Role = "dispatcher"
)

func DriverGroup(driverID string) string {
	return "driver:" + driverID
}

func CompanyGroup(companyID string) string {
	return "company:" + companyID
}

func DispatcherGroup(companyID string) string {
	return "dispatchers:" + companyID
}

// SnapshotSource provides the roster a dispatcher receives when it connects.
type SnapshotSource interface {
	ActiveDrivers(ctx context.Context, companyID string) ([]model.LocationSample, error)
}

// Client is one connected socket. Messages are queued on a bounded buffer and
// dropped when the connection cannot keep up.
type Client struct {
	DriverID  string
	CompanyID string
	Role      Role

	send      chan []byte
	closeOnce sync.Once
	groups    []string
}

func NewClient(driverID string, companyID string, role Role, buffer int) *Client {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Client{
		DriverID:  driverID,
		CompanyID: companyID,
		Role:      role,
		send:      make(chan []byte, buffer),
	}
}

func (c *Client) Send() <-chan []byte {
	return c.send
}

func (c *Client) enqueue(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// SendMessage queues a message for this connection only.
func (c *Client) SendMessage(message any) bool {
	payload, err := json.Marshal(message)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode message")
		return false
	}
	return c.enqueue(payload)
}

type Hub struct {
	snapshots SnapshotSource

	mutex  sync.RWMutex
	groups map[string]map[*Client]struct{}
}

func NewHub(snapshots SnapshotSource) *Hub {
	return &Hub{
		snapshots: snapshots,
		groups:    map[string]map[*Client]struct{}{},
	}
}

// Register joins the client to its groups. Dispatchers are sent the active driver
// roster of their company straight away.
func (h *Hub) Register(ctx context.Context, client *Client) {
	switch client.Role {
	case RoleDispatcher:
		client.groups = []string{DispatcherGroup(client.CompanyID), CompanyGroup(client.CompanyID)}
	default:
		client.groups = []string{DriverGroup(client.DriverID), CompanyGroup(client.CompanyID)}
	}

	h.mutex.Lock()
	for _, group := range client.groups {
		members, ok := h.groups[group]
		if !ok {
			members = map[*Client]struct{}{}
			h.groups[group] = members
		}
		members[client] = struct{}{}
	}
	h.mutex.Unlock()

	log.Debug().Str("role", string(client.Role)).Str("driver", client.DriverID).Str("company", client.CompanyID).Msg("Client connected")

	if client.Role == RoleDispatcher && h.snapshots != nil {
		drivers, err := h.snapshots.ActiveDrivers(ctx, client.CompanyID)
		if err != nil {
			log.Error().Err(err).Str("company", client.CompanyID).Msg("Failed to load active drivers snapshot")
			client.SendMessage(NewErrorMessage(500, "active drivers unavailable"))
			return
		}

		client.SendMessage(&ActiveDriversMessage{
			Type:      MessageActiveDrivers,
			CompanyID: client.CompanyID,
			Drivers:   drivers,
			Timestamp: time.Now(),
		})
	}
}

func (h *Hub) Unregister(client *Client) {
	h.mutex.Lock()
	for _, group := range client.groups {
		if members, ok := h.groups[group]; ok {
			delete(members, client)
			if len(members) == 0 {
				delete(h.groups, group)
			}
		}
	}
	h.mutex.Unlock()

	client.closeOnce.Do(func() {
		close(client.send)
	})
}

func (h *Hub) GroupSize(group string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return len(h.groups[group])
}

// Publish encodes the message once and queues it on every member of the group.
func (h *Hub) Publish(group string, message any) {
	payload, err := json.Marshal(message)
	if err != nil {
		log.Error().Err(err).Str("group", group).Msg("Failed to encode message")
		return
	}

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for client := range h.groups[group] {
		if !client.enqueue(payload) {
			log.Warn().Str("group", group).Str("driver", client.DriverID).Msg("Client send buffer full, dropping message")
		}
	}
}

// Run forwards events from the bus to dispatcher groups until ctx is done or the
// bus is closed.
func (h *Hub) Run(ctx context.Context, bus *events.Bus) {
	locations := bus.LocationUpdated.Subscribe()
	transitions := bus.GeofenceTransition.Subscribe()
	presences := bus.PresenceChanged.Subscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-locations:
			if !ok {
				return
			}
			h.Publish(DispatcherGroup(event.Sample.CompanyID), &LocationUpdateMessage{
				Type:         MessageLocationUpdate,
				DriverID:     event.Sample.DriverID,
				CompanyID:    event.Sample.CompanyID,
				Location:     event.Sample,
				EnteredZones: event.EnteredZones,
				ExitedZones:  event.ExitedZones,
			})
		case event, ok := <-transitions:
			if !ok {
				return
			}
			h.Publish(DispatcherGroup(event.Event.CompanyID), &GeofenceEventMessage{
				Type:  MessageGeofenceEvent,
				Event: event.Event,
			})
		case event, ok := <-presences:
			if !ok {
				return
			}
			messageType := MessagePresenceUpdate
			if !event.Presence.Online {
				messageType = MessageDriverOffline
			}
			h.Publish(DispatcherGroup(event.Presence.CompanyID), &PresenceMessage{
				Type:      messageType,
				DriverID:  event.Presence.DriverID,
				CompanyID: event.Presence.CompanyID,
				State:     event.Presence.State(),
				Reason:    event.Reason,
				Presence:  event.Presence,
				Timestamp: event.At,
			})
		}
	}
}
