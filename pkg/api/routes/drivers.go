package routes

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/liip/sheriff"
	"github.com/travigo/fleettrack/pkg/model"
	"github.com/travigo/fleettrack/pkg/nearby"
	"github.com/travigo/fleettrack/pkg/presence"
	"github.com/travigo/fleettrack/pkg/tracking"
)

type locationRequest struct {
	Latitude  *float64   `json:"latitude"`
	Longitude *float64   `json:"longitude"`
	Accuracy  *float64   `json:"accuracy"`
	Speed     *float64   `json:"speed"`
	Heading   *float64   `json:"heading"`
	Altitude  *float64   `json:"altitude"`
	Timestamp *time.Time `json:"timestamp"`
}

// requireCoordinates rejects a missing latitude or longitude, which would otherwise
// decode as 0.
func requireCoordinates(latitude *float64, longitude *float64) error {
	var validationErr *model.ValidationError
	if latitude == nil {
		validationErr = model.NewValidationError("latitude", "is required")
	}
	if longitude == nil {
		if validationErr == nil {
			validationErr = model.NewValidationError("longitude", "is required")
		} else {
			validationErr.Add("longitude", "is required")
		}
	}
	if validationErr != nil {
		return validationErr
	}
	return nil
}

func (r *locationRequest) toSample(driverID string, companyID string) (model.LocationSample, error) {
	if err := requireCoordinates(r.Latitude, r.Longitude); err != nil {
		return model.LocationSample{}, err
	}

	sample := model.LocationSample{
		DriverID:  driverID,
		CompanyID: companyID,
		Latitude:  *r.Latitude,
		Longitude: *r.Longitude,
		Accuracy:  r.Accuracy,
		Speed:     r.Speed,
		Heading:   r.Heading,
		Altitude:  r.Altitude,
	}
	if r.Timestamp != nil {
		sample.RecordedAt = *r.Timestamp
	}

	return sample, nil
}

type batchRequest struct {
	Locations []locationRequest `json:"locations"`
}

type batchItemResponse struct {
	Index   int           `json:"index"`
	Success bool          `json:"success"`
	Ack     *tracking.Ack `json:"ack,omitempty"`
	Error   string        `json:"error,omitempty"`
}

type statusRequest struct {
	Online            *bool                    `json:"online"`
	Available         *bool                    `json:"available"`
	CurrentJobID      *string                  `json:"currentJobId"`
	BatteryLevel      *int                     `json:"batteryLevel"`
	ConnectionQuality *model.ConnectionQuality `json:"connectionQuality"`
}

func (r *statusRequest) toUpdate(driverID string, companyID string) presence.StatusUpdate {
	return presence.StatusUpdate{
		DriverID:          driverID,
		CompanyID:         companyID,
		Online:            r.Online,
		Available:         r.Available,
		CurrentJobID:      r.CurrentJobID,
		BatteryLevel:      r.BatteryLevel,
		ConnectionQuality: r.ConnectionQuality,
	}
}

type nearbyRequest struct {
	Latitude         *float64 `json:"latitude"`
	Longitude        *float64 `json:"longitude"`
	RadiusKm         float64  `json:"radiusKm"`
	CompanyID        string   `json:"companyId"`
	ExcludeDriverIDs []string `json:"excludeDriverIds"`
	Limit            int      `json:"limit"`
}

func DriversRouter(router fiber.Router, deps *Dependencies) {
	router.Post("/nearby", findNearbyDrivers(deps))
	router.Get("/active", listActiveDrivers(deps))

	router.Post("/:identifier/location", recordLocation(deps))
	router.Post("/:identifier/location/batch", recordLocationBatch(deps))
	router.Get("/:identifier/location", getLocation(deps))
	router.Post("/:identifier/status", updateStatus(deps))
}

func recordLocation(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		driverID := c.Params("identifier")
		allowed, err := canWriteFor(c, deps, driverID)
		if err != nil {
			return sendError(c, err)
		}
		if !allowed {
			return sendForbidden(c, forbiddenDriver)
		}

		var request locationRequest
		if err = c.BodyParser(&request); err != nil {
			return sendBadBody(c, err)
		}

		sample, err := request.toSample(driverID, getIdentity(c).CompanyID)
		if err != nil {
			return sendError(c, err)
		}

		ack, err := deps.Locations.RecordLocation(c.UserContext(), sample)
		if err != nil {
			return sendError(c, err)
		}

		return c.JSON(fiber.Map{
			"success": true,
			"ack":     ack,
		})
	}
}

func recordLocationBatch(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		driverID := c.Params("identifier")
		allowed, err := canWriteFor(c, deps, driverID)
		if err != nil {
			return sendError(c, err)
		}
		if !allowed {
			return sendForbidden(c, forbiddenDriver)
		}

		var request batchRequest
		if err := c.BodyParser(&request); err != nil {
			return sendBadBody(c, err)
		}

		if len(request.Locations) == 0 || len(request.Locations) > tracking.MaxBatchSize {
			return sendError(c, model.NewValidationError("locations", "must contain between 1 and 100 samples"))
		}

		companyID := getIdentity(c).CompanyID
		samples := make([]model.LocationSample, len(request.Locations))
		parseErrors := map[int]error{}
		for i := range request.Locations {
			sample, err := request.Locations[i].toSample(driverID, companyID)
			if err != nil {
				parseErrors[i] = err
				continue
			}
			samples[i] = sample
		}

		// Unparseable samples are kept out of the batch but still reported at their index
		validIndexes := make([]int, 0, len(samples))
		validSamples := make([]model.LocationSample, 0, len(samples))
		for i := range samples {
			if _, failed := parseErrors[i]; !failed {
				validIndexes = append(validIndexes, i)
				validSamples = append(validSamples, samples[i])
			}
		}

		var results []tracking.BatchResult
		if len(validSamples) > 0 {
			results, err = deps.Locations.RecordLocationBatch(c.UserContext(), driverID, validSamples)
			if err != nil {
				return sendError(c, err)
			}
		}

		response := make([]batchItemResponse, len(samples))
		for index, parseErr := range parseErrors {
			response[index] = batchItemResponse{Index: index, Error: parseErr.Error()}
		}
		for _, result := range results {
			index := validIndexes[result.Index]
			item := batchItemResponse{Index: index, Ack: result.Ack, Success: result.Err == nil}
			if result.Err != nil {
				item.Error = result.Err.Error()
			}
			response[index] = item
		}

		failed := 0
		for _, item := range response {
			if !item.Success {
				failed++
			}
		}

		return c.JSON(fiber.Map{
			"processed": len(response) - failed,
			"failed":    failed,
			"results":   response,
		})
	}
}

func getLocation(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		driverID := c.Params("identifier")
		identity := getIdentity(c)
		if identity.IsDriver() && identity.DriverID != driverID {
			return sendForbidden(c, forbiddenDriver)
		}

		sample, err := deps.Locations.CurrentLocation(c.UserContext(), driverID)
		if err != nil {
			return sendError(c, err)
		}
		// Other companies' drivers are indistinguishable from unknown ones
		if sample.CompanyID != identity.CompanyID {
			return sendError(c, model.ErrNotFound)
		}

		sampleReduced, err := sheriff.Marshal(&sheriff.Options{
			Groups: []string{"basic", "detailed"},
		}, sample)
		if err != nil {
			return sendError(c, err)
		}

		return c.JSON(sampleReduced)
	}
}

func updateStatus(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		driverID := c.Params("identifier")
		allowed, err := canWriteFor(c, deps, driverID)
		if err != nil {
			return sendError(c, err)
		}
		if !allowed {
			return sendForbidden(c, forbiddenDriver)
		}

		var request statusRequest
		if err := c.BodyParser(&request); err != nil {
			return sendBadBody(c, err)
		}

		driverPresence, err := deps.Presence.UpdateStatus(c.UserContext(), request.toUpdate(driverID, getIdentity(c).CompanyID))
		if err != nil {
			return sendError(c, err)
		}

		presenceReduced, err := sheriff.Marshal(&sheriff.Options{
			Groups: []string{"basic", "detailed"},
		}, driverPresence)
		if err != nil {
			return sendError(c, err)
		}

		return c.JSON(fiber.Map{
			"success":  true,
			"state":    driverPresence.State(),
			"presence": presenceReduced,
		})
	}
}

func findNearbyDrivers(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var request nearbyRequest
		if err := c.BodyParser(&request); err != nil {
			return sendBadBody(c, err)
		}

		companyID, allowed := companyScope(c, request.CompanyID)
		if !allowed {
			return sendForbidden(c, forbiddenCompany)
		}
		if err := requireCoordinates(request.Latitude, request.Longitude); err != nil {
			return sendError(c, err)
		}

		drivers, err := deps.Nearby.FindNearby(c.UserContext(), nearby.Query{
			Center:     model.Point{Latitude: *request.Latitude, Longitude: *request.Longitude},
			RadiusKm:   request.RadiusKm,
			CompanyID:  companyID,
			ExcludeIDs: request.ExcludeDriverIDs,
			Limit:      request.Limit,
		})
		if err != nil {
			return sendError(c, err)
		}

		return c.JSON(fiber.Map{
			"drivers": drivers,
			"count":   len(drivers),
		})
	}
}

func listActiveDrivers(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		companyID, allowed := companyScope(c, c.Query("companyId"))
		if !allowed {
			return sendForbidden(c, forbiddenCompany)
		}

		drivers, err := deps.Locations.ActiveDrivers(c.UserContext(), companyID)
		if err != nil {
			return sendError(c, err)
		}

		driversReduced, err := sheriff.Marshal(&sheriff.Options{
			Groups: []string{"basic"},
		}, drivers)
		if err != nil {
			return sendError(c, err)
		}

		return c.JSON(fiber.Map{
			"companyId": companyID,
			"drivers":   driversReduced,
			"count":     len(drivers),
		})
	}
}
