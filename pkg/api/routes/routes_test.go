package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/travigo/fleettrack/pkg/fanout"
	"github.com/travigo/fleettrack/pkg/model"
	"github.com/travigo/fleettrack/pkg/nearby"
	"github.com/travigo/fleettrack/pkg/presence"
	"github.com/travigo/fleettrack/pkg/tracking"
)

type fakeLocations struct {
	recordErr   error
	recorded    []model.LocationSample
	batchSizes  []int
	current     map[string]*model.LocationSample
	active      []model.LocationSample
	activeQuery string
}

func (f *fakeLocations) RecordLocation(_ context.Context, sample model.LocationSample) (*tracking.Ack, error) {
	if f.recordErr != nil {
		return nil, f.recordErr
	}
	f.recorded = append(f.recorded, sample)
	return &tracking.Ack{DriverID: sample.DriverID, Timestamp: sample.RecordedAt, Events: []model.GeofenceEvent{}}, nil
}

func (f *fakeLocations) RecordLocationBatch(ctx context.Context, driverID string, samples []model.LocationSample) ([]tracking.BatchResult, error) {
	f.batchSizes = append(f.batchSizes, len(samples))
	results := make([]tracking.BatchResult, len(samples))
	for i, sample := range samples {
		results[i].Index = i
		if sample.Latitude > 90 {
			results[i].Err = model.NewValidationError("latitude", "must be between -90 and 90")
			continue
		}
		results[i].Ack, _ = f.RecordLocation(ctx, sample)
	}
	return results, nil
}

func (f *fakeLocations) CurrentLocation(_ context.Context, driverID string) (*model.LocationSample, error) {
	sample, ok := f.current[driverID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return sample, nil
}

func (f *fakeLocations) place(driverID, companyID string) {
	if f.current == nil {
		f.current = map[string]*model.LocationSample{}
	}
	f.current[driverID] = &model.LocationSample{DriverID: driverID, CompanyID: companyID, Latitude: 40.7, Longitude: -74}
}

func (f *fakeLocations) ActiveDrivers(_ context.Context, companyID string) ([]model.LocationSample, error) {
	f.activeQuery = companyID
	return f.active, nil
}

type fakeNearby struct {
	query nearby.Query
}

func (f *fakeNearby) FindNearby(_ context.Context, query nearby.Query) ([]model.NearbyDriver, error) {
	f.query = query
	if err := query.Validate(); err != nil {
		return nil, err
	}
	return []model.NearbyDriver{
		{LocationSample: model.LocationSample{DriverID: "d1", CompanyID: query.CompanyID}, DistanceMeters: 12.5},
	}, nil
}

type fakePresence struct {
	updates []presence.StatusUpdate
}

func (f *fakePresence) UpdateStatus(_ context.Context, update presence.StatusUpdate) (*model.DriverPresence, error) {
	f.updates = append(f.updates, update)
	result := &model.DriverPresence{DriverID: update.DriverID, CompanyID: update.CompanyID, Online: true}
	if update.Available != nil {
		result.Available = *update.Available
	}
	return result, nil
}

func (f *fakePresence) Connected(context.Context, string, string) {}
func (f *fakePresence) Disconnected(string, string)               {}

func newTestApp(deps *Dependencies) *fiber.App {
	app := fiber.New()
	app.Get("/health", Health(deps.HealthChecks))
	DriversRouter(app.Group("/drivers", Authenticate()), deps)
	return app
}

func newTestDeps() (*Dependencies, *fakeLocations, *fakeNearby, *fakePresence) {
	locations := &fakeLocations{}
	nearbyService := &fakeNearby{}
	presenceService := &fakePresence{}
	return &Dependencies{
		Locations: locations,
		Nearby:    nearbyService,
		Presence:  presenceService,
	}, locations, nearbyService, presenceService
}

func doRequest(t *testing.T, app *fiber.App, method string, path string, body string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	decoded := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}
	return resp, decoded
}

var driverHeaders = map[string]string{
	"X-Driver-Id":  "d1",
	"X-Company-Id": "c1",
}

var dispatcherHeaders = map[string]string{
	"X-Company-Id": "c1",
	"X-User-Type":  "dispatcher",
}

var otherDispatcherHeaders = map[string]string{
	"X-Company-Id": "c2",
	"X-User-Type":  "dispatcher",
}

func TestAuthenticate(t *testing.T) {
	deps, _, _, _ := newTestDeps()
	app := newTestApp(deps)

	resp, _ := doRequest(t, app, fiber.MethodGet, "/drivers/active", "", nil)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp, _ = doRequest(t, app, fiber.MethodGet, "/drivers/active", "", map[string]string{"X-Company-Id": "c1"})
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp, _ = doRequest(t, app, fiber.MethodGet, "/drivers/active", "", map[string]string{"X-Company-Id": "c1", "X-User-Type": "admin"})
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp, _ = doRequest(t, app, fiber.MethodGet, "/drivers/active", "", dispatcherHeaders)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestRecordLocation(t *testing.T) {
	deps, locations, _, _ := newTestDeps()
	app := newTestApp(deps)

	resp, body := doRequest(t, app, fiber.MethodPost, "/drivers/d1/location",
		`{"latitude": 40.7128, "longitude": -74.006, "speed": 3.2, "timestamp": "2026-01-02T10:00:00Z"}`, driverHeaders)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	require.Len(t, locations.recorded, 1)
	sample := locations.recorded[0]
	assert.Equal(t, "d1", sample.DriverID)
	assert.Equal(t, "c1", sample.CompanyID)
	assert.Equal(t, 40.7128, sample.Latitude)
	require.NotNil(t, sample.Speed)
	assert.Equal(t, 3.2, *sample.Speed)
	assert.Equal(t, time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC), sample.RecordedAt.UTC())
}

func TestRecordLocationMissingCoordinates(t *testing.T) {
	deps, locations, _, _ := newTestDeps()
	app := newTestApp(deps)

	resp, body := doRequest(t, app, fiber.MethodPost, "/drivers/d1/location", `{"speed": 1}`, driverHeaders)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Len(t, body["fields"], 2)
	assert.Empty(t, locations.recorded)

	resp, _ = doRequest(t, app, fiber.MethodPost, "/drivers/d1/location", `{not json`, driverHeaders)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestRecordLocationErrors(t *testing.T) {
	testCases := []struct {
		name       string
		err        error
		status     int
		retryAfter string
	}{
		{name: "validation", err: model.NewValidationError("latitude", "must be between -90 and 90"), status: fiber.StatusBadRequest},
		{name: "concurrent", err: model.ErrConcurrentUpdate, status: fiber.StatusConflict, retryAfter: "1"},
		{name: "cache unavailable", err: errors.Join(model.ErrCacheUnavailable, context.DeadlineExceeded), status: fiber.StatusInternalServerError},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			deps, locations, _, _ := newTestDeps()
			locations.recordErr = testCase.err
			app := newTestApp(deps)

			resp, body := doRequest(t, app, fiber.MethodPost, "/drivers/d1/location", `{"latitude": 1, "longitude": 1}`, driverHeaders)
			assert.Equal(t, testCase.status, resp.StatusCode)
			assert.Equal(t, testCase.retryAfter, resp.Header.Get(fiber.HeaderRetryAfter))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestRecordLocationForOtherDriver(t *testing.T) {
	deps, locations, _, _ := newTestDeps()
	locations.place("d2", "c1")
	locations.place("d3", "c2")
	app := newTestApp(deps)

	resp, _ := doRequest(t, app, fiber.MethodPost, "/drivers/d2/location", `{"latitude": 1, "longitude": 1}`, driverHeaders)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	assert.Empty(t, locations.recorded)

	resp, _ = doRequest(t, app, fiber.MethodPost, "/drivers/d2/location", `{"latitude": 1, "longitude": 1}`, dispatcherHeaders)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Len(t, locations.recorded, 1)
	assert.Equal(t, "c1", locations.recorded[0].CompanyID)
}

func TestDispatcherCannotWriteForeignDriver(t *testing.T) {
	deps, locations, _, presenceService := newTestDeps()
	locations.place("d1", "c1")
	app := newTestApp(deps)

	resp, _ := doRequest(t, app, fiber.MethodPost, "/drivers/d1/location", `{"latitude": 1, "longitude": 1}`, otherDispatcherHeaders)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp, _ = doRequest(t, app, fiber.MethodPost, "/drivers/d1/location/batch", `{"locations": [{"latitude": 1, "longitude": 1}]}`, otherDispatcherHeaders)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp, _ = doRequest(t, app, fiber.MethodPost, "/drivers/d1/status", `{"available": false}`, otherDispatcherHeaders)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	// A driver never seen before has no company to match
	resp, _ = doRequest(t, app, fiber.MethodPost, "/drivers/d8/location", `{"latitude": 1, "longitude": 1}`, dispatcherHeaders)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	assert.Empty(t, locations.recorded)
	assert.Empty(t, locations.batchSizes)
	assert.Empty(t, presenceService.updates)
	assert.Equal(t, "c1", locations.current["d1"].CompanyID)
}

func TestRecordLocationBatch(t *testing.T) {
	deps, locations, _, _ := newTestDeps()
	app := newTestApp(deps)

	resp, body := doRequest(t, app, fiber.MethodPost, "/drivers/d1/location/batch", `{"locations": [
		{"latitude": 1, "longitude": 1},
		{"longitude": 1},
		{"latitude": 95, "longitude": 1},
		{"latitude": 2, "longitude": 2}
	]}`, driverHeaders)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	assert.Equal(t, float64(2), body["processed"])
	assert.Equal(t, float64(2), body["failed"])
	assert.Equal(t, []int{3}, locations.batchSizes)

	results := body["results"].([]any)
	require.Len(t, results, 4)
	for index, expected := range []bool{true, false, false, true} {
		result := results[index].(map[string]any)
		assert.Equal(t, float64(index), result["index"])
		assert.Equal(t, expected, result["success"], "index %d", index)
	}
}

func TestRecordLocationBatchSize(t *testing.T) {
	deps, locations, _, _ := newTestDeps()
	app := newTestApp(deps)

	resp, _ := doRequest(t, app, fiber.MethodPost, "/drivers/d1/location/batch", `{"locations": []}`, driverHeaders)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	samples := make([]string, tracking.MaxBatchSize+1)
	for i := range samples {
		samples[i] = `{"latitude": 1, "longitude": 1}`
	}
	resp, _ = doRequest(t, app, fiber.MethodPost, "/drivers/d1/location/batch", `{"locations": [`+strings.Join(samples, ",")+`]}`, driverHeaders)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, locations.batchSizes)

	// Nothing parseable still reports per sample
	resp, body := doRequest(t, app, fiber.MethodPost, "/drivers/d1/location/batch", `{"locations": [{"latitude": 1}]}`, driverHeaders)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["failed"])
	assert.Empty(t, locations.batchSizes)
}

func TestGetLocation(t *testing.T) {
	deps, locations, _, _ := newTestDeps()
	speed := 4.0
	locations.current = map[string]*model.LocationSample{
		"d1": {DriverID: "d1", CompanyID: "c1", Latitude: 40.7, Longitude: -74, Speed: &speed, IsMoving: true},
	}
	app := newTestApp(deps)

	resp, body := doRequest(t, app, fiber.MethodGet, "/drivers/d1/location", "", dispatcherHeaders)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "d1", body["driverId"])
	assert.Equal(t, 4.0, body["speed"])
	assert.Equal(t, true, body["isMoving"])

	resp, _ = doRequest(t, app, fiber.MethodGet, "/drivers/d1/location", "", driverHeaders)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, _ = doRequest(t, app, fiber.MethodGet, "/drivers/d9/location", "", dispatcherHeaders)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestGetLocationScopedToCaller(t *testing.T) {
	deps, locations, _, _ := newTestDeps()
	locations.place("d1", "c1")
	locations.place("d2", "c1")
	app := newTestApp(deps)

	// Drivers only read their own location, even within their company
	resp, _ := doRequest(t, app, fiber.MethodGet, "/drivers/d2/location", "", driverHeaders)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp, _ = doRequest(t, app, fiber.MethodGet, "/drivers/d1/location", "", map[string]string{"X-Driver-Id": "d9", "X-Company-Id": "c2"})
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp, body := doRequest(t, app, fiber.MethodGet, "/drivers/d1/location", "", otherDispatcherHeaders)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Nil(t, body["latitude"])
}

func TestUpdateStatus(t *testing.T) {
	deps, _, _, presenceService := newTestDeps()
	app := newTestApp(deps)

	resp, body := doRequest(t, app, fiber.MethodPost, "/drivers/d1/status", `{"online": true, "available": true, "batteryLevel": 80}`, driverHeaders)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "online_available", body["state"])

	require.Len(t, presenceService.updates, 1)
	update := presenceService.updates[0]
	assert.Equal(t, "d1", update.DriverID)
	assert.Equal(t, "c1", update.CompanyID)
	require.NotNil(t, update.BatteryLevel)
	assert.Equal(t, 80, *update.BatteryLevel)
	assert.Nil(t, update.CurrentJobID)
}

func TestFindNearby(t *testing.T) {
	deps, _, nearbyService, _ := newTestDeps()
	app := newTestApp(deps)

	resp, body := doRequest(t, app, fiber.MethodPost, "/drivers/nearby",
		`{"latitude": 40.7128, "longitude": -74.006, "radiusKm": 5, "excludeDriverIds": ["d2"], "limit": 10}`, dispatcherHeaders)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	assert.Equal(t, "c1", nearbyService.query.CompanyID)
	assert.Equal(t, []string{"d2"}, nearbyService.query.ExcludeIDs)
	assert.Equal(t, 10, nearbyService.query.Limit)

	resp, _ = doRequest(t, app, fiber.MethodPost, "/drivers/nearby", `{"latitude": 40.7, "longitude": -74, "radiusKm": 500}`, dispatcherHeaders)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, _ = doRequest(t, app, fiber.MethodPost, "/drivers/nearby", `{"latitude": 0, "longitude": 0, "radiusKm": 1}`, dispatcherHeaders)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestFindNearbyRequiresCoordinates(t *testing.T) {
	deps, _, nearbyService, _ := newTestDeps()
	app := newTestApp(deps)

	resp, body := doRequest(t, app, fiber.MethodPost, "/drivers/nearby", `{"longitude": -74, "radiusKm": 5}`, dispatcherHeaders)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	require.Len(t, body["fields"], 1)
	assert.Equal(t, "latitude", body["fields"].([]any)[0].(map[string]any)["field"])
	assert.Empty(t, nearbyService.query.RadiusKm)
}

func TestFindNearbyScopedToCallerCompany(t *testing.T) {
	deps, _, nearbyService, _ := newTestDeps()
	app := newTestApp(deps)

	resp, _ := doRequest(t, app, fiber.MethodPost, "/drivers/nearby",
		`{"latitude": 40.7, "longitude": -74, "radiusKm": 5, "companyId": "c1"}`, otherDispatcherHeaders)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	assert.Empty(t, nearbyService.query.CompanyID)

	resp, _ = doRequest(t, app, fiber.MethodPost, "/drivers/nearby",
		`{"latitude": 40.7, "longitude": -74, "radiusKm": 5, "companyId": "c2"}`, otherDispatcherHeaders)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "c2", nearbyService.query.CompanyID)
}

func TestListActiveDrivers(t *testing.T) {
	deps, locations, _, _ := newTestDeps()
	locations.active = []model.LocationSample{
		{DriverID: "d1", CompanyID: "c1", Latitude: 1, Longitude: 1},
		{DriverID: "d2", CompanyID: "c1", Latitude: 2, Longitude: 2},
	}
	app := newTestApp(deps)

	resp, body := doRequest(t, app, fiber.MethodGet, "/drivers/active", "", dispatcherHeaders)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, "c1", locations.activeQuery)

	resp, _ = doRequest(t, app, fiber.MethodGet, "/drivers/active?companyId=c1", "", dispatcherHeaders)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "c1", locations.activeQuery)

	locations.activeQuery = ""
	resp, _ = doRequest(t, app, fiber.MethodGet, "/drivers/active?companyId=c1", "", otherDispatcherHeaders)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	assert.Empty(t, locations.activeQuery)
}

func TestHealth(t *testing.T) {
	deps, _, _, _ := newTestDeps()
	deps.HealthChecks = []HealthCheck{
		{Name: "redis", Check: func(context.Context) error { return nil }},
	}
	resp, body := doRequest(t, newTestApp(deps), fiber.MethodGet, "/health", "", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["healthy"])

	deps.HealthChecks = append(deps.HealthChecks, HealthCheck{Name: "postgres", Check: func(context.Context) error { return errors.New("connection refused") }})
	resp, body = doRequest(t, newTestApp(deps), fiber.MethodGet, "/health", "", nil)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "connection refused", body["checks"].(map[string]any)["postgres"])
}

func TestHandleInbound(t *testing.T) {
	deps, locations, _, presenceService := newTestDeps()
	driver := &Identity{DriverID: "d1", CompanyID: "c1", UserType: fanout.RoleDriver}
	client := fanout.NewClient("d1", "c1", fanout.RoleDriver, 8)

	receive := func() map[string]any {
		select {
		case payload := <-client.Send():
			decoded := map[string]any{}
			require.NoError(t, json.Unmarshal(payload, &decoded))
			return decoded
		default:
			t.Fatal("expected a reply")
			return nil
		}
	}

	handleInbound(context.Background(), client, driver, []byte(`{"type": "location", "latitude": 1, "longitude": 2}`), deps)
	assert.Equal(t, string(fanout.MessageLocationAck), receive()["type"])
	require.Len(t, locations.recorded, 1)
	assert.Equal(t, "d1", locations.recorded[0].DriverID)

	handleInbound(context.Background(), client, driver, []byte(`{"type": "status", "available": false}`), deps)
	reply := receive()
	assert.Equal(t, string(fanout.MessagePresenceUpdate), reply["type"])
	assert.Equal(t, "online_busy", reply["state"])
	assert.Len(t, presenceService.updates, 1)

	handleInbound(context.Background(), client, driver, []byte(`{"type": "location", "latitude": 1}`), deps)
	reply = receive()
	assert.Equal(t, string(fanout.MessageError), reply["type"])

	handleInbound(context.Background(), client, driver, []byte(`{"type": "dance"}`), deps)
	assert.Equal(t, string(fanout.MessageError), receive()["type"])

	dispatcher := &Identity{CompanyID: "c1", UserType: fanout.RoleDispatcher}
	handleInbound(context.Background(), client, dispatcher, []byte(`{"type": "location", "latitude": 1, "longitude": 2}`), deps)
	assert.Equal(t, string(fanout.MessageError), receive()["type"])
	assert.Len(t, locations.recorded, 1)
}
