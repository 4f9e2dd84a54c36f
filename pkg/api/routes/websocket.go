package routes

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"github.com/travigo/fleettrack/pkg/fanout"
	"github.com/travigo/fleettrack/pkg/model"
	"github.com/travigo/fleettrack/pkg/tracking"
)

type inboundMessage struct {
	Type string `json:"type"`
}

type locationAckMessage struct {
	Type fanout.MessageType `json:"type"`
	Ack  *tracking.Ack      `json:"ack"`
}

type statusAckMessage struct {
	Type     fanout.MessageType    `json:"type"`
	State    string                `json:"state"`
	Presence *model.DriverPresence `json:"presence"`
}

func WebsocketRouter(router fiber.Router, deps *Dependencies) {
	router.Use("/", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return c.Next()
	})

	router.Get("/", websocket.New(func(conn *websocket.Conn) {
		identity, _ := conn.Locals(identityLocal).(*Identity)
		if identity == nil {
			return
		}
		serveConnection(conn, identity, deps)
	}))
}

func serveConnection(conn *websocket.Conn, identity *Identity, deps *Dependencies) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := fanout.NewClient(identity.DriverID, identity.CompanyID, identity.UserType, fanout.DefaultSendBuffer)
	deps.Hub.Register(ctx, client)
	if identity.IsDriver() {
		deps.Presence.Connected(ctx, identity.DriverID, identity.CompanyID)
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for payload := range client.Send() {
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Debug().Err(err).Str("driver", identity.DriverID).Msg("Websocket write failed")
				return
			}
		}
	}()

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		handleInbound(ctx, client, identity, payload, deps)
	}

	deps.Hub.Unregister(client)
	<-writerDone

	if identity.IsDriver() {
		deps.Presence.Disconnected(identity.DriverID, identity.CompanyID)
	}
}

func handleInbound(ctx context.Context, client *fanout.Client, identity *Identity, payload []byte, deps *Dependencies) {
	var message inboundMessage
	if err := json.Unmarshal(payload, &message); err != nil {
		client.SendMessage(fanout.NewErrorMessage(fiber.StatusBadRequest, "could not parse message"))
		return
	}

	if !identity.IsDriver() {
		client.SendMessage(fanout.NewErrorMessage(fiber.StatusForbidden, "only drivers may send updates"))
		return
	}

	switch message.Type {
	case "location":
		var location locationRequest
		if err := json.Unmarshal(payload, &location); err != nil {
			client.SendMessage(fanout.NewErrorMessage(fiber.StatusBadRequest, "could not parse location"))
			return
		}

		sample, err := location.toSample(identity.DriverID, identity.CompanyID)
		if err != nil {
			client.SendMessage(errorMessageFor(err))
			return
		}

		ack, err := deps.Locations.RecordLocation(ctx, sample)
		if err != nil {
			client.SendMessage(errorMessageFor(err))
			return
		}

		client.SendMessage(&locationAckMessage{Type: fanout.MessageLocationAck, Ack: ack})
	case "status":
		var status statusRequest
		if err := json.Unmarshal(payload, &status); err != nil {
			client.SendMessage(fanout.NewErrorMessage(fiber.StatusBadRequest, "could not parse status"))
			return
		}

		driverPresence, err := deps.Presence.UpdateStatus(ctx, status.toUpdate(identity.DriverID, identity.CompanyID))
		if err != nil {
			client.SendMessage(errorMessageFor(err))
			return
		}

		client.SendMessage(&statusAckMessage{Type: fanout.MessagePresenceUpdate, State: driverPresence.State(), Presence: driverPresence})
	default:
		client.SendMessage(fanout.NewErrorMessage(fiber.StatusBadRequest, "unknown message type "+message.Type))
	}
}

func errorMessageFor(err error) *fanout.ErrorMessage {
	switch {
	case model.IsValidationError(err):
		return fanout.NewErrorMessage(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrConcurrentUpdate):
		return fanout.NewErrorMessage(fiber.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Msg("Websocket request failed")
		return fanout.NewErrorMessage(fiber.StatusInternalServerError, "internal error")
	}
}
