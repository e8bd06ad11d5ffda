// Package api serves the stored datasets to the map frontend: collisions as
// a flat JSON list, situations and routes as GeoJSON FeatureCollections.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/rtm-vts/vts-collisions/internal/db"
	"github.com/rtm-vts/vts-collisions/internal/orchestrate"
	"github.com/rtm-vts/vts-collisions/internal/version"
)

// ANSI escape codes for request logging.
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
	colorYellow    = "\033[33m"
)

type Server struct {
	db *db.DB
}

func NewServer(database *db.DB) *Server {
	return &Server{db: database}
}

// Routes returns the served mux with request logging applied.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/collisions", s.handleCollisions)
	mux.HandleFunc("/api/situations", s.handleSituations)
	mux.HandleFunc("/api/routes", s.handleRoutes)
	mux.HandleFunc("/api/status", s.handleStatus)
	return logRequests(mux)
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400 && statusCode < 500:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf("%s%s%s %s %s %s", colorCyan, r.Method, colorReset,
			r.URL.Path, statusCodeColor(lrw.statusCode), time.Since(start).Round(time.Microsecond))
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("failed to encode json response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleCollisions returns every stored collision row regardless of
// published state.
func (s *Server) handleCollisions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	collisions, err := s.db.AllCollisions(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to load collisions")
		log.Printf("api: failed to load collisions: %v", err)
		return
	}
	if collisions == nil {
		collisions = []db.CollisionRow{}
	}
	writeJSON(w, http.StatusOK, collisions)
}

// GeoJSON output structures. Geometry is marshaled from the typed
// coordinate slices below.
type featureCollection struct {
	Type     string    `json:"type"`
	Features []feature `json:"features"`
}

type feature struct {
	Type       string                 `json:"type"`
	ID         int64                  `json:"id"`
	Geometry   interface{}            `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
}

type pointGeometry struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

type lineGeometry struct {
	Type        string       `json:"type"`
	Coordinates [][2]float64 `json:"coordinates"`
}

func (s *Server) handleSituations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	situations, err := s.db.AllSituations(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to load situations")
		log.Printf("api: failed to load situations: %v", err)
		return
	}

	fc := featureCollection{Type: "FeatureCollection", Features: []feature{}}
	for _, sit := range situations {
		f := feature{
			Type: "Feature",
			ID:   sit.ID,
			Properties: map[string]interface{}{
				"situation_id": sit.SituationID,
				"severity":     sit.Severity,
				"comment":      sit.Comment,
				"area_name":    sit.AreaName,
				"filter_used":  sit.FilterUsed,
			},
		}
		switch {
		case sit.Lon != nil && sit.Lat != nil:
			f.Geometry = pointGeometry{Type: "Point", Coordinates: [2]float64{*sit.Lon, *sit.Lat}}
		case sit.Path != nil:
			coords, ok := decodeCoords(*sit.Path)
			if !ok {
				log.Printf("api: skipping situation %s: undecodable path", sit.SituationID)
				continue
			}
			f.Geometry = lineGeometry{Type: "LineString", Coordinates: coords}
		default:
			// No geometry at all; serve the attributes with a null geometry.
		}
		fc.Features = append(fc.Features, f)
	}
	writeJSON(w, http.StatusOK, fc)
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	routes, err := s.db.AllRoutes(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to load routes")
		log.Printf("api: failed to load routes: %v", err)
		return
	}

	fc := featureCollection{Type: "FeatureCollection", Features: []feature{}}
	for _, rt := range routes {
		coords, ok := decodeCoords(rt.Path)
		if !ok {
			log.Printf("api: skipping route %d: undecodable path", rt.ID)
			continue
		}
		fc.Features = append(fc.Features, feature{
			Type:     "Feature",
			ID:       rt.ID,
			Geometry: lineGeometry{Type: "LineString", Coordinates: coords},
			Properties: map[string]interface{}{
				"route_code":   rt.RouteCode,
				"version":      rt.Version,
				"last_updated": time.Unix(int64(rt.LastUpdated), 0).UTC().Format(time.RFC3339),
			},
		})
	}
	writeJSON(w, http.StatusOK, fc)
}

// handleStatus reports the last orchestrator run recorded in api_metadata.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := map[string]string{"version": version.String()}
	for _, key := range []string{
		orchestrate.MetaLastRunID,
		orchestrate.MetaLastRunAt,
		orchestrate.MetaLastRunStatus,
	} {
		value, err := s.db.GetMetadata(r.Context(), key)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to load run metadata")
			log.Printf("api: failed to load metadata %s: %v", key, err)
			return
		}
		status[key] = value
	}
	writeJSON(w, http.StatusOK, status)
}

// decodeCoords parses an encoded path back into GeoJSON coordinate pairs.
func decodeCoords(encoded string) ([][2]float64, bool) {
	var coords [][2]float64
	if err := json.Unmarshal([]byte(encoded), &coords); err != nil || len(coords) < 2 {
		return nil, false
	}
	return coords, true
}
