package nearby

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/marshaler"
	"github.com/eko/gocache/lib/v4/store"
	redisstore "github.com/eko/gocache/store/redis/v4"
	"github.com/mmcloughlin/geohash"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/travigo/fleettrack/pkg/model"
)

const (
	MinRadiusKm = 0.1
	MaxRadiusKm = 100.0

	DefaultLimit = 50
	MaxLimit     = 500

	DefaultTTL    = 30 * time.Second
	DefaultWindow = 5 * time.Minute

	coordinatePrecision = 6
	maxTagPrecision     = 6
	maxQueryTags        = 48

	// Shortest degree on the WGS84 ellipsoid, rounded down, so query boxes never come up short
	kmPerDegreeLatitude = 110.5
)

type Store interface {
	FindWithinRadius(ctx context.Context, center model.Point, radiusMeters float64, since time.Time, limit int) ([]model.NearbyDriver, error)
}

type Query struct {
	Center     model.Point
	RadiusKm   float64
	CompanyID  string
	ExcludeIDs []string
	Limit      int
}

func (q *Query) Validate() error {
	var validationErr *model.ValidationError
	add := func(field, message string) {
		if validationErr == nil {
			validationErr = model.NewValidationError(field, message)
		} else {
			validationErr.Add(field, message)
		}
	}

	if q.Center.Latitude < -90 || q.Center.Latitude > 90 {
		add("latitude", "must be between -90 and 90")
	}
	if q.Center.Longitude < -180 || q.Center.Longitude > 180 {
		add("longitude", "must be between -180 and 180")
	}
	if q.RadiusKm < MinRadiusKm || q.RadiusKm > MaxRadiusKm {
		add("radiusKm", fmt.Sprintf("must be between %g and %g", MinRadiusKm, MaxRadiusKm))
	}
	if q.Limit < 0 || q.Limit > MaxLimit {
		add("limit", fmt.Sprintf("must be between 1 and %d", MaxLimit))
	}

	if validationErr != nil {
		return validationErr
	}
	return nil
}

type cachedResult struct {
	Drivers []model.NearbyDriver
}

// Engine answers radius queries from the durable store through a short-lived result
// cache. Cached lists hold every driver in range regardless of company, filters are
// applied to each caller's copy.
type Engine struct {
	store  Store
	cache  *marshaler.Marshaler
	ttl    time.Duration
	window time.Duration

	now func() time.Time
}

func New(spatialStore Store, client redis.UniversalClient, ttl time.Duration, window time.Duration) *Engine {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if window <= 0 {
		window = DefaultWindow
	}

	redisStore := redisstore.NewRedis(client, store.WithExpiration(ttl))

	return &Engine{
		store:  spatialStore,
		cache:  marshaler.New(cache.New[any](redisStore)),
		ttl:    ttl,
		window: window,
		now:    time.Now,
	}
}

func cacheKey(center model.Point, radiusKm float64) string {
	return fmt.Sprintf("nearby:%.6f:%.6f:%g",
		model.Round(center.Latitude, coordinatePrecision),
		model.Round(center.Longitude, coordinatePrecision),
		radiusKm,
	)
}

func cellTag(hash string) string {
	return "nearby:cell:" + hash
}

type lngRange struct {
	min, max float64
}

// queryBounds returns the latitude span and the (possibly wrapped) longitude spans of
// the box enclosing the query circle.
func queryBounds(center model.Point, radiusKm float64) (float64, float64, []lngRange) {
	dLat := radiusKm / kmPerDegreeLatitude
	minLat := math.Max(center.Latitude-dLat, -90)
	maxLat := math.Min(center.Latitude+dLat, 90)

	// The widest parallel inside the box decides the longitude span
	widest := math.Max(math.Abs(minLat), math.Abs(maxLat))
	cos := math.Cos(widest * math.Pi / 180)
	if cos <= 0 || radiusKm/(kmPerDegreeLatitude*cos) >= 180 {
		return minLat, maxLat, []lngRange{{-180, 180}}
	}

	dLng := radiusKm / (kmPerDegreeLatitude * cos)
	minLng, maxLng := center.Longitude-dLng, center.Longitude+dLng
	switch {
	case minLng < -180:
		return minLat, maxLat, []lngRange{{-180, maxLng}, {minLng + 360, 180}}
	case maxLng > 180:
		return minLat, maxLat, []lngRange{{minLng, 180}, {-180, maxLng - 360}}
	default:
		return minLat, maxLat, []lngRange{{minLng, maxLng}}
	}
}

// encodeCell keeps the upper box edges (90, 180) inside the geohash range.
func encodeCell(latitude, longitude float64, precision uint) string {
	return geohash.EncodeWithPrecision(math.Min(latitude, 89.999999), math.Min(longitude, 179.999999), precision)
}

func cellSize(latitude, longitude float64, precision uint) (float64, float64) {
	box := geohash.BoundingBox(encodeCell(latitude, longitude, precision))
	return box.MaxLat - box.MinLat, box.MaxLng - box.MinLng
}

// steps samples [min, max] at most one cell apart, both ends included.
func steps(min, max, size float64) []float64 {
	values := []float64{}
	for v := min; v < max; v += size {
		values = append(values, v)
	}
	return append(values, max)
}

// queryTags returns a tag for every geohash cell intersecting the box around the
// query circle, at the finest precision that keeps the tag count bounded.
func queryTags(center model.Point, radiusKm float64) []string {
	minLat, maxLat, ranges := queryBounds(center, radiusKm)

	precision := uint(maxTagPrecision)
	for ; precision > 1; precision-- {
		height, width := cellSize(center.Latitude, center.Longitude, precision)
		rows := math.Ceil((maxLat-minLat)/height) + 1
		columns := 0.0
		for _, r := range ranges {
			columns += math.Ceil((r.max-r.min)/width) + 1
		}
		if rows*columns <= maxQueryTags {
			break
		}
	}

	height, width := cellSize(center.Latitude, center.Longitude, precision)
	seen := map[string]bool{}
	tags := []string{}
	for _, lat := range steps(minLat, maxLat, height) {
		for _, r := range ranges {
			for _, lng := range steps(r.min, r.max, width) {
				hash := encodeCell(lat, lng, precision)
				if !seen[hash] {
					seen[hash] = true
					tags = append(tags, cellTag(hash))
				}
			}
		}
	}
	return tags
}

func (e *Engine) FindNearby(ctx context.Context, query Query) ([]model.NearbyDriver, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	if query.Limit == 0 {
		query.Limit = DefaultLimit
	}

	key := cacheKey(query.Center, query.RadiusKm)

	var cached cachedResult
	if _, err := e.cache.Get(ctx, key, &cached); err == nil {
		return filter(cached.Drivers, query), nil
	}

	drivers, err := e.store.FindWithinRadius(ctx, query.Center, query.RadiusKm*1000, e.now().Add(-e.window), MaxLimit)
	if err != nil {
		return nil, fmt.Errorf("nearby store query: %w", err)
	}

	err = e.cache.Set(ctx, key, &cachedResult{Drivers: drivers},
		store.WithExpiration(e.ttl),
		store.WithTags(queryTags(query.Center, query.RadiusKm)),
	)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to cache nearby result")
	}

	return filter(drivers, query), nil
}

func filter(drivers []model.NearbyDriver, query Query) []model.NearbyDriver {
	excluded := make(map[string]bool, len(query.ExcludeIDs))
	for _, id := range query.ExcludeIDs {
		excluded[id] = true
	}

	filtered := []model.NearbyDriver{}
	for _, driver := range drivers {
		if query.CompanyID != "" && driver.CompanyID != query.CompanyID {
			continue
		}
		if excluded[driver.DriverID] {
			continue
		}

		filtered = append(filtered, driver)
		if len(filtered) == query.Limit {
			break
		}
	}
	return filtered
}

// InvalidateNear drops every cached result whose area may contain the point.
func (e *Engine) InvalidateNear(ctx context.Context, point model.Point) error {
	tags := make([]string, 0, maxTagPrecision)
	for precision := uint(1); precision <= maxTagPrecision; precision++ {
		tags = append(tags, cellTag(encodeCell(point.Latitude, point.Longitude, precision)))
	}

	return e.cache.Invalidate(ctx, store.WithInvalidateTags(tags))
}
