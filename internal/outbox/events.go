package outbox

import "time"

// Event types recorded by the repository and delivered by the dispatcher.
const (
	EventTileClaimed      = "territory.tile_claimed"
	EventTileTransferred  = "territory.tile_transferred"
	EventActivityCaptured = "territory.activity_captured"
)

// TerritoryTopic is the Kafka topic all territory events are published to.
const TerritoryTopic = "territory_events"

// TileClaimed is emitted when a tile gains its first owner.
type TileClaimed struct {
	TileID     string    `json:"tile_id"`
	OwnerID    int64     `json:"owner_id,string"`
	ActivityID int64     `json:"activity_id,string"`
	Resolution int       `json:"resolution"`
	OccurredAt time.Time `json:"occurred_at"`
}

// TileTransferred is emitted when a tile changes hands.
type TileTransferred struct {
	TileID      string    `json:"tile_id"`
	OwnerID     int64     `json:"owner_id,string"`
	PrevOwnerID int64     `json:"prev_owner_id,string"`
	ActivityID  int64     `json:"activity_id,string"`
	Resolution  int       `json:"resolution"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// ActivityCaptured is emitted once per persisted activity sync. A re-sync that
// flips the capture verdict emits a corrective event.
type ActivityCaptured struct {
	ActivityID int64     `json:"activity_id,string"`
	ExternalID int64     `json:"external_id,string"`
	UserID     int64     `json:"user_id,string"`
	Captured   bool      `json:"captured"`
	TileCount  int       `json:"tile_count"`
	OccurredAt time.Time `json:"occurred_at"`
}
