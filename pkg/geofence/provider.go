package geofence

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/travigo/fleettrack/pkg/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"gopkg.in/yaml.v3"
)

// Provider supplies the geofence definitions owned by a company.
type Provider interface {
	ZonesForCompany(ctx context.Context, companyID string) ([]model.GeofenceDefinition, error)
}

type geoJSONPolygon struct {
	Type        string          `bson:"type"`
	Coordinates [][][2]float64 `bson:"coordinates"`
}

type geofenceDocument struct {
	model.GeofenceDefinition `bson:",inline"`

	Boundary geoJSONPolygon `bson:"boundary"`
}

func (d *geofenceDocument) toDefinition() model.GeofenceDefinition {
	definition := d.GeofenceDefinition

	if len(d.Boundary.Coordinates) > 0 {
		ring := d.Boundary.Coordinates[0]
		definition.Boundary = make(model.Polygon, 0, len(ring))
		for _, coordinate := range ring {
			definition.Boundary = append(definition.Boundary, model.Point{Longitude: coordinate[0], Latitude: coordinate[1]})
		}
	}

	return definition
}

// MongoProvider reads definitions from the geofences collection, where boundaries are
// stored as GeoJSON polygons.
type MongoProvider struct {
	Collection *mongo.Collection
}

func (p *MongoProvider) ZonesForCompany(ctx context.Context, companyID string) ([]model.GeofenceDefinition, error) {
	cursor, err := p.Collection.Find(ctx, bson.M{"companyref": companyID, "active": true})
	if err != nil {
		return nil, fmt.Errorf("find geofences for %s: %w", companyID, err)
	}
	defer cursor.Close(ctx)

	zones := []model.GeofenceDefinition{}
	for cursor.Next(ctx) {
		var document geofenceDocument
		if err := cursor.Decode(&document); err != nil {
			log.Error().Err(err).Str("company", companyID).Msg("Failed to decode Geofence")
			continue
		}

		zones = append(zones, document.toDefinition())
	}

	return zones, cursor.Err()
}

type geofenceFile struct {
	Geofences []model.GeofenceDefinition `yaml:"geofences"`
}

// FileProvider serves definitions loaded once from a YAML document.
type FileProvider struct {
	zones map[string][]model.GeofenceDefinition
}

func NewFileProvider(path string) (*FileProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return ParseFileProvider(data)
}

func ParseFileProvider(data []byte) (*FileProvider, error) {
	var file geofenceFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse geofence file: %w", err)
	}

	provider := &FileProvider{zones: map[string][]model.GeofenceDefinition{}}
	for _, zone := range file.Geofences {
		provider.zones[zone.CompanyID] = append(provider.zones[zone.CompanyID], zone)
	}

	log.Info().Int("geofences", len(file.Geofences)).Msg("Loaded geofence definitions from file")

	return provider, nil
}

func (p *FileProvider) ZonesForCompany(ctx context.Context, companyID string) ([]model.GeofenceDefinition, error) {
	return p.zones[companyID], nil
}
