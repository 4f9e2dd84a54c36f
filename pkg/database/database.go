package database

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/travigo/fleettrack/pkg/config"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type MongoInstance struct {
	Client   *mongo.Client
	Database *mongo.Database
}

func (m *MongoInstance) GetCollection(collectionName string) *mongo.Collection {
	return m.Database.Collection(collectionName)
}

func (m *MongoInstance) Disconnect(ctx context.Context) error {
	return m.Client.Disconnect(ctx)
}

func ConnectPostgres(cfg config.PostgresConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.Connection), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	log.Info().Msg("Connected to Postgres")

	return db, nil
}

func ConnectMongoDB(ctx context.Context, cfg config.MongoDBConfig) (*MongoInstance, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Connection))
	if err != nil {
		return nil, err
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}

	instance := &MongoInstance{
		Client:   client,
		Database: client.Database(cfg.Database),
	}

	instance.createIndexes(ctx)

	log.Info().Str("database", cfg.Database).Msg("Connected to MongoDB")

	return instance, nil
}

func (m *MongoInstance) createIndexes(ctx context.Context) {
	geofencesCollection := m.GetCollection("geofences")
	_, err := geofencesCollection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "primaryidentifier", Value: 1}},
		},
		{
			Keys: bson.D{
				{Key: "companyref", Value: 1},
				{Key: "active", Value: 1},
			},
		},
		{
			Keys: bson.D{{Key: "boundary", Value: "2dsphere"}},
		},
	}, options.CreateIndexes())
	if err != nil {
		log.Error().Err(err).Msg("Creating Index")
	}
}
