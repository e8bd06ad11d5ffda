// Package publish delivers detected collisions to subscribers over MQTT and
// marks them in the ledger only after the broker has confirmed delivery.
package publish

import (
	"time"

	"github.com/rtm-vts/vts-collisions/internal/db"
)

// EventNewCollision tags every collision message payload.
const EventNewCollision = "new_collision"

// Message is the wire payload for one collision. Attributes joined from the
// related situation and route are pointers and serialize as JSON null when
// the related row is gone or the field was never set upstream.
type Message struct {
	Event         string  `json:"event"`
	CollisionID   int64   `json:"collision_id"`
	SituationID   string  `json:"situation_id"`
	RouteID       int64   `json:"route_id"`
	Lon           float64 `json:"lon"`
	Lat           float64 `json:"lat"`
	Tolerance     float64 `json:"tolerance"`
	DetectedAt    string  `json:"detected_at"` // ISO-8601 UTC
	Severity      *string `json:"severity"`
	Category      *string `json:"category"`
	RouteIdentity *string `json:"route_identity"`
	Comment       *string `json:"comment"`
}

// NewMessage builds the payload for one unpublished ledger entry.
func NewMessage(c db.UnpublishedCollision) Message {
	return Message{
		Event:         EventNewCollision,
		CollisionID:   c.ID,
		SituationID:   c.SituationID,
		RouteID:       c.RouteID,
		Lon:           c.Lon,
		Lat:           c.Lat,
		Tolerance:     c.ToleranceMeters,
		DetectedAt:    c.DetectedAt.UTC().Format(time.RFC3339),
		Severity:      c.Severity,
		Category:      c.FilterUsed,
		RouteIdentity: c.RouteCode,
		Comment:       c.Comment,
	}
}
