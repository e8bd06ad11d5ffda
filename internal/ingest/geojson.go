// Package ingest loads situation and route geometries into the store from
// GeoJSON FeatureCollection files. The live upstream feed clients (DATEX II
// XML, Entur GraphQL) stay outside this module; their normalized GeoJSON
// output is the import boundary.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rtm-vts/vts-collisions/internal/db"
	"github.com/rtm-vts/vts-collisions/internal/geo"
	"github.com/rtm-vts/vts-collisions/internal/monitoring"
)

type featureCollection struct {
	Type     string    `json:"type"`
	Features []feature `json:"features"`
}

type feature struct {
	Type       string          `json:"type"`
	Geometry   *geometry       `json:"geometry"`
	Properties json.RawMessage `json:"properties"`
}

type geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

type routeProperties struct {
	RouteID *string `json:"route_id"`
	Version *string `json:"version"`
}

type situationProperties struct {
	SituationID string  `json:"situation_id"`
	Version     *string `json:"version"`
	Severity    *string `json:"severity"`
	Comment     *string `json:"comment"`
	AreaName    *string `json:"area_name"`
	FilterUsed  *string `json:"filter_used"`
}

// Importer loads geometry files into the store. It also serves as the
// orchestrator's fetch stage when file paths are configured.
type Importer struct {
	DB             *db.DB
	SituationsFile string // optional
	RoutesFile     string // optional
}

// Fetch refreshes whichever datasets have a configured file. With no files
// configured it is a no-op, leaving the stored datasets as-is.
func (im *Importer) Fetch(ctx context.Context) error {
	if im.SituationsFile != "" {
		created, skipped, err := im.ImportSituations(ctx, im.SituationsFile)
		if err != nil {
			return fmt.Errorf("situation import failed: %w", err)
		}
		monitoring.Logf("ingest: imported %d situations, skipped %d", created, skipped)
	}
	if im.RoutesFile != "" {
		created, skipped, err := im.ImportRoutes(ctx, im.RoutesFile, false)
		if err != nil {
			return fmt.Errorf("route import failed: %w", err)
		}
		monitoring.Logf("ingest: imported %d routes, skipped %d", created, skipped)
	}
	return nil
}

// ImportRoutes creates one route per LineString feature in the file. When
// clearExisting is set, stored routes (and their collisions, via cascade)
// are removed first. Invalid features are skipped and counted, never fatal.
func (im *Importer) ImportRoutes(ctx context.Context, path string, clearExisting bool) (created, skipped int, err error) {
	features, err := readFeatureCollection(path)
	if err != nil {
		return 0, 0, err
	}

	if clearExisting {
		deleted, err := im.DB.DeleteAllRoutes(ctx)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to clear existing routes: %w", err)
		}
		monitoring.Logf("ingest: deleted %d existing routes", deleted)
	}

	for i, f := range features {
		routePath, ok := lineStringPath(f, i)
		if !ok {
			skipped++
			continue
		}

		var props routeProperties
		if len(f.Properties) > 0 {
			if err := json.Unmarshal(f.Properties, &props); err != nil {
				monitoring.Logf("ingest: skipping feature %d: bad properties: %v", i, err)
				skipped++
				continue
			}
		}
		if props.RouteID == nil || *props.RouteID == "" {
			monitoring.Logf("ingest: skipping feature %d: missing route_id property", i)
			skipped++
			continue
		}

		if _, err := im.DB.InsertRoute(ctx, props.RouteID, routePath, props.Version); err != nil {
			monitoring.Logf("ingest: skipping feature %d (route %s): %v", i, *props.RouteID, err)
			skipped++
			continue
		}
		created++
	}
	return created, skipped, nil
}

// ImportSituations upserts one situation per feature keyed on the
// situation_id property. Point features set the representative point;
// LineString features set the path. Invalid features are skipped and counted.
func (im *Importer) ImportSituations(ctx context.Context, path string) (created, skipped int, err error) {
	features, err := readFeatureCollection(path)
	if err != nil {
		return 0, 0, err
	}

	for i, f := range features {
		var props situationProperties
		if len(f.Properties) > 0 {
			if err := json.Unmarshal(f.Properties, &props); err != nil {
				monitoring.Logf("ingest: skipping feature %d: bad properties: %v", i, err)
				skipped++
				continue
			}
		}
		if props.SituationID == "" {
			monitoring.Logf("ingest: skipping feature %d: missing situation_id property", i)
			skipped++
			continue
		}

		s := db.Situation{
			SituationID: props.SituationID,
			Version:     props.Version,
			Severity:    props.Severity,
			Comment:     props.Comment,
			AreaName:    props.AreaName,
			FilterUsed:  props.FilterUsed,
		}

		if f.Geometry != nil {
			switch f.Geometry.Type {
			case "Point":
				var coords []float64
				if err := json.Unmarshal(f.Geometry.Coordinates, &coords); err != nil || len(coords) < 2 {
					monitoring.Logf("ingest: skipping feature %d (%s): bad point coordinates", i, props.SituationID)
					skipped++
					continue
				}
				lon, lat := coords[0], coords[1]
				s.Lon, s.Lat = &lon, &lat
			case "LineString":
				p, ok := lineStringPath(f, i)
				if !ok {
					skipped++
					continue
				}
				encoded, err := geo.EncodePath(p)
				if err != nil {
					monitoring.Logf("ingest: skipping feature %d (%s): %v", i, props.SituationID, err)
					skipped++
					continue
				}
				s.Path = &encoded
				// A line-shaped situation is still represented by a point for
				// proximity checks; use the first vertex when no point exists.
				s.Lon, s.Lat = &p[0].Lon, &p[0].Lat
			default:
				monitoring.Logf("ingest: skipping feature %d (%s): unsupported geometry %q",
					i, props.SituationID, f.Geometry.Type)
				skipped++
				continue
			}
		}

		if err := im.DB.UpsertSituation(ctx, &s); err != nil {
			monitoring.Logf("ingest: skipping feature %d (%s): %v", i, props.SituationID, err)
			skipped++
			continue
		}
		created++
	}
	return created, skipped, nil
}

func readFeatureCollection(path string) ([]feature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read GeoJSON file: %w", err)
	}
	var fc featureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse GeoJSON: %w", err)
	}
	if fc.Type != "FeatureCollection" {
		return nil, fmt.Errorf("expected FeatureCollection, got %q", fc.Type)
	}
	return fc.Features, nil
}

// lineStringPath extracts a LineString geometry as a geo.Path, tolerating
// coordinates that carry an altitude component.
func lineStringPath(f feature, index int) (geo.Path, bool) {
	if f.Geometry == nil || f.Geometry.Type != "LineString" {
		monitoring.Logf("ingest: skipping feature %d: geometry is not a LineString", index)
		return nil, false
	}
	var coords [][]float64
	if err := json.Unmarshal(f.Geometry.Coordinates, &coords); err != nil {
		monitoring.Logf("ingest: skipping feature %d: bad coordinates: %v", index, err)
		return nil, false
	}
	if len(coords) < 2 {
		monitoring.Logf("ingest: skipping feature %d: LineString needs at least 2 points", index)
		return nil, false
	}
	path := make(geo.Path, 0, len(coords))
	for _, c := range coords {
		if len(c) < 2 {
			monitoring.Logf("ingest: skipping feature %d: coordinate with fewer than 2 components", index)
			return nil, false
		}
		path = append(path, geo.Point{Lon: c[0], Lat: c[1]})
	}
	return path, true
}
