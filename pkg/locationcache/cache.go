package locationcache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/travigo/fleettrack/pkg/model"
)

const (
	activeDriversKey = "drivers:active"

	DefaultTimeout = 8 * time.Millisecond
)

func locationKey(driverID string) string {
	return "driver:location:" + driverID
}

func companyDriversKey(companyID string) string {
	return fmt.Sprintf("company:%s:drivers", companyID)
}

// Cache holds the latest sample of every driver together with the active driver
// set and per-company rosters. Roster membership outlives the sample hash: only an
// explicit offline removes a driver, stale entries are filtered when read.
type Cache struct {
	client  redis.UniversalClient
	timeout time.Duration
}

func New(client redis.UniversalClient, timeout time.Duration) *Cache {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Cache{client: client, timeout: timeout}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", model.ErrCacheUnavailable, err)
}

// Get returns the cached sample for a driver, or nil if there is none.
func (c *Cache) Get(ctx context.Context, driverID string) (*model.LocationSample, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	fields, err := c.client.HGetAll(ctx, locationKey(driverID)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	return decodeSample(driverID, fields)
}

// Put overwrites the driver's sample, refreshes its expiry and records roster
// membership in one MULTI/EXEC.
func (c *Cache) Put(ctx context.Context, sample *model.LocationSample, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	key := locationKey(sample.DriverID)

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, encodeSample(sample))
		pipe.Expire(ctx, key, ttl)
		pipe.SAdd(ctx, activeDriversKey, sample.DriverID)
		pipe.SAdd(ctx, companyDriversKey(sample.CompanyID), sample.DriverID)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}

	return nil
}

func (c *Cache) Remove(ctx context.Context, driverID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.client.Del(ctx, locationKey(driverID)).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// RemoveActive drops the driver from the active set and the company roster.
func (c *Cache) RemoveActive(ctx context.Context, driverID string, companyID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, activeDriversKey, driverID)
		if companyID != "" {
			pipe.SRem(ctx, companyDriversKey(companyID), driverID)
		}
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (c *Cache) ActiveDriverIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ids, err := c.client.SMembers(ctx, activeDriversKey).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return ids, nil
}

// ActiveForCompany returns the latest sample of every roster member recorded within
// window of now. Members whose sample has expired or gone stale are skipped.
func (c *Cache) ActiveForCompany(ctx context.Context, companyID string, window time.Duration, now time.Time) ([]*model.LocationSample, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	driverIDs, err := c.client.SMembers(ctx, companyDriversKey(companyID)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(driverIDs) == 0 {
		return []*model.LocationSample{}, nil
	}

	commands := make([]*redis.MapStringStringCmd, len(driverIDs))
	_, err = c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, driverID := range driverIDs {
			commands[i] = pipe.HGetAll(ctx, locationKey(driverID))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable(err)
	}

	cutoff := now.Add(-window)
	samples := []*model.LocationSample{}
	for i, command := range commands {
		fields := command.Val()
		if len(fields) == 0 {
			continue
		}

		sample, err := decodeSample(driverIDs[i], fields)
		if err != nil {
			continue
		}
		if sample.RecordedAt.Before(cutoff) {
			continue
		}

		samples = append(samples, sample)
	}

	return samples, nil
}

func encodeSample(sample *model.LocationSample) map[string]interface{} {
	fields := map[string]interface{}{
		"companyId": sample.CompanyID,
		"latitude":  strconv.FormatFloat(sample.Latitude, 'f', -1, 64),
		"longitude": strconv.FormatFloat(sample.Longitude, 'f', -1, 64),
		"timestamp": sample.RecordedAt.UTC().Format(time.RFC3339Nano),
		"isMoving":  strconv.FormatBool(sample.IsMoving),
	}

	optional := map[string]*float64{
		"accuracy": sample.Accuracy,
		"speed":    sample.Speed,
		"heading":  sample.Heading,
		"altitude": sample.Altitude,
	}
	for name, value := range optional {
		if value != nil {
			fields[name] = strconv.FormatFloat(*value, 'f', -1, 64)
		}
	}

	return fields
}

func decodeSample(driverID string, fields map[string]string) (*model.LocationSample, error) {
	sample := &model.LocationSample{
		DriverID:  driverID,
		CompanyID: fields["companyId"],
		IsMoving:  fields["isMoving"] == "true",
	}

	var err error
	if sample.Latitude, err = strconv.ParseFloat(fields["latitude"], 64); err != nil {
		return nil, fmt.Errorf("decode latitude for %s: %w", driverID, err)
	}
	if sample.Longitude, err = strconv.ParseFloat(fields["longitude"], 64); err != nil {
		return nil, fmt.Errorf("decode longitude for %s: %w", driverID, err)
	}
	if sample.RecordedAt, err = time.Parse(time.RFC3339Nano, fields["timestamp"]); err != nil {
		return nil, fmt.Errorf("decode timestamp for %s: %w", driverID, err)
	}

	sample.Accuracy = optionalFloat(fields, "accuracy")
	sample.Speed = optionalFloat(fields, "speed")
	sample.Heading = optionalFloat(fields, "heading")
	sample.Altitude = optionalFloat(fields, "altitude")

	return sample, nil
}

func optionalFloat(fields map[string]string, name string) *float64 {
	raw, ok := fields[name]
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &value
}
