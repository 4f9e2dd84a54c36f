package geofence

import (
	"math"

	"github.com/dhconnelly/rtreego"
	"github.com/travigo/fleettrack/pkg/model"
)

const minimumSide = 1e-9

type zoneEntry struct {
	zone *model.GeofenceDefinition
	rect rtreego.Rect
}

func (e *zoneEntry) Bounds() rtreego.Rect {
	return e.rect
}

// zoneIndex prefilters zones by bounding box before the exact polygon test.
// Coordinates are indexed as (longitude, latitude).
type zoneIndex struct {
	tree *rtreego.Rtree
}

func newZoneIndex(zones []model.GeofenceDefinition) *zoneIndex {
	index := &zoneIndex{tree: rtreego.NewTree(2, 25, 50)}

	for i := range zones {
		zone := &zones[i]
		if !zone.Active || len(zone.Boundary) < 3 {
			continue
		}

		southWest, northEast := zone.Boundary.Bounds()
		rect, err := rtreego.NewRect(
			rtreego.Point{southWest.Longitude, southWest.Latitude},
			[]float64{
				math.Max(northEast.Longitude-southWest.Longitude, minimumSide),
				math.Max(northEast.Latitude-southWest.Latitude, minimumSide),
			},
		)
		if err != nil {
			continue
		}

		index.tree.Insert(&zoneEntry{zone: zone, rect: rect})
	}

	return index
}

func (i *zoneIndex) containing(p model.Point) map[string]*model.GeofenceDefinition {
	matches := map[string]*model.GeofenceDefinition{}

	candidates := i.tree.SearchIntersect(rtreego.Point{p.Longitude, p.Latitude}.ToRect(minimumSide))
	for _, candidate := range candidates {
		zone := candidate.(*zoneEntry).zone
		if zone.Boundary.Contains(p) {
			matches[zone.ID] = zone
		}
	}

	return matches
}
