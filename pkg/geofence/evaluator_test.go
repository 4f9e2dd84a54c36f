package geofence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/travigo/fleettrack/pkg/model"
)

type countingProvider struct {
	Provider
	calls int
	err   error
}

func (p *countingProvider) ZonesForCompany(ctx context.Context, companyID string) ([]model.GeofenceDefinition, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.Provider.ZonesForCompany(ctx, companyID)
}

func newTestEvaluator(t *testing.T) (*Evaluator, *countingProvider) {
	t.Helper()

	fileProvider, err := ParseFileProvider([]byte(testGeofencesYAML))
	require.NoError(t, err)

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })

	provider := &countingProvider{Provider: fileProvider}
	evaluator := NewEvaluator(provider, client, time.Minute)
	evaluator.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	return evaluator, provider
}

var (
	insideDepot  = model.Point{Latitude: 40.71, Longitude: -74.01}
	outsideDepot = model.Point{Latitude: 40.725, Longitude: -74.025}
	farAway      = model.Point{Latitude: 51.5, Longitude: -0.12}
)

func TestFirstSampleProducesNoEvents(t *testing.T) {
	evaluator, _ := newTestEvaluator(t)

	evaluation, err := evaluator.Evaluate(context.Background(), "d1", "c1", nil, insideDepot)
	require.NoError(t, err)

	assert.Equal(t, []string{"depot", "quiet-zone"}, evaluation.CurrentZones)
	assert.Empty(t, evaluation.EnteredZones)
	assert.Empty(t, evaluation.ExitedZones)
	assert.Empty(t, evaluation.Events)
}

func TestExitProducesOneEvent(t *testing.T) {
	evaluator, _ := newTestEvaluator(t)

	evaluation, err := evaluator.Evaluate(context.Background(), "d1", "c1", &insideDepot, outsideDepot)
	require.NoError(t, err)

	assert.Equal(t, []string{"quiet-zone"}, evaluation.CurrentZones)
	assert.Equal(t, []string{"depot"}, evaluation.ExitedZones)
	assert.Empty(t, evaluation.EnteredZones)

	require.Len(t, evaluation.Events, 1)
	event := evaluation.Events[0]
	assert.Equal(t, model.GeofenceEventExit, event.Type)
	assert.Equal(t, "depot", event.GeofenceID)
	assert.Equal(t, "d1", event.DriverID)
	assert.Equal(t, "c1", event.CompanyID)
	assert.Equal(t, outsideDepot, event.Location)
	assert.NotEmpty(t, event.ID)
}

func TestEntryWithoutAlertIsReportedButSilent(t *testing.T) {
	evaluator, _ := newTestEvaluator(t)

	evaluation, err := evaluator.Evaluate(context.Background(), "d1", "c1", &farAway, insideDepot)
	require.NoError(t, err)

	assert.Equal(t, []string{"depot", "quiet-zone"}, evaluation.EnteredZones)
	require.Len(t, evaluation.Events, 1)
	assert.Equal(t, model.GeofenceEventEntry, evaluation.Events[0].Type)
	assert.Equal(t, "depot", evaluation.Events[0].GeofenceID)
}

func TestStayingInsideProducesNothing(t *testing.T) {
	evaluator, _ := newTestEvaluator(t)

	nearby := model.Point{Latitude: 40.711, Longitude: -74.011}
	evaluation, err := evaluator.Evaluate(context.Background(), "d1", "c1", &insideDepot, nearby)
	require.NoError(t, err)

	assert.Len(t, evaluation.CurrentZones, 2)
	assert.Empty(t, evaluation.EnteredZones)
	assert.Empty(t, evaluation.ExitedZones)
	assert.Empty(t, evaluation.Events)
}

func TestZonesAreCachedPerDriver(t *testing.T) {
	evaluator, provider := newTestEvaluator(t)
	ctx := context.Background()

	_, err := evaluator.Evaluate(ctx, "d1", "c1", nil, insideDepot)
	require.NoError(t, err)
	_, err = evaluator.Evaluate(ctx, "d1", "c1", &insideDepot, outsideDepot)
	require.NoError(t, err)
	assert.Equal(t, 1, provider.calls)

	_, err = evaluator.Evaluate(ctx, "d2", "c2", nil, insideDepot)
	require.NoError(t, err)
	assert.Equal(t, 2, provider.calls)
}

func TestProviderFailure(t *testing.T) {
	evaluator, provider := newTestEvaluator(t)
	provider.err = errors.New("mongo unreachable")

	_, err := evaluator.Evaluate(context.Background(), "d1", "c1", nil, insideDepot)
	assert.Error(t, err)
}

func TestFileProviderFiltersByCompany(t *testing.T) {
	provider, err := ParseFileProvider([]byte(testGeofencesYAML))
	require.NoError(t, err)

	zones, err := provider.ZonesForCompany(context.Background(), "c2")
	require.NoError(t, err)
	require.Len(t, zones, 1)
	assert.Equal(t, "other-company", zones[0].ID)
	assert.Len(t, zones[0].Boundary, 3)

	zones, err = provider.ZonesForCompany(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Empty(t, zones)
}

func TestGeofenceDocumentConversion(t *testing.T) {
	document := geofenceDocument{
		GeofenceDefinition: model.GeofenceDefinition{ID: "z1", CompanyID: "c1", Active: true},
		Boundary: geoJSONPolygon{
			Type:        "Polygon",
			Coordinates: [][][2]float64{{{-74.02, 40.70}, {-74.00, 40.70}, {-74.00, 40.72}, {-74.02, 40.70}}},
		},
	}

	definition := document.toDefinition()
	require.Len(t, definition.Boundary, 4)
	assert.Equal(t, model.Point{Latitude: 40.70, Longitude: -74.02}, definition.Boundary[0])
}
