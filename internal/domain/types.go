package domain

import "time"

// User identifies a capturing agent, resolved from an external athlete profile.
// AthleteID is immutable once set; display fields are refreshed on every
// resolution.
type User struct {
	ID        int64
	AthleteID int64
	Username  string
	FirstName string
	LastName  string
	Profile   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Coordinates is a latitude/longitude pair in degrees.
type Coordinates struct {
	Lat float64
	Lng float64
}

// Activity is one recorded track, upserted by its external id.
type Activity struct {
	ID          int64
	ExternalID  int64
	UserID      int64
	Name        string
	DistanceM   float64
	MovingTimeS int
	Start       *Coordinates
	End         *Coordinates
	Polyline    string
	Captured    bool
	TileCount   int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TileOwnership records the current owner of one tile. Absence of a row means
// the tile is unclaimed.
type TileOwnership struct {
	TileID    string
	OwnerID   int64
	ClaimedAt time.Time
	UpdatedAt time.Time
}

// TileHistory is one append-only audit entry. PrevOwnerID is nil for a fresh
// claim. Resolution records the H3 resolution the causing capture ran at.
type TileHistory struct {
	ID          int64
	TileID      string
	PrevOwnerID *int64
	NewOwnerID  int64
	ActivityID  int64
	Resolution  int
	CreatedAt   time.Time
}

// ClaimOutcome describes what a single-tile claim did.
type ClaimOutcome int

const (
	// ClaimUnchanged means the claimant already owned the tile; no history row.
	ClaimUnchanged ClaimOutcome = iota
	// ClaimNew means the tile had no owner and was freshly claimed.
	ClaimNew
	// ClaimTransferred means ownership moved from another user to the claimant.
	ClaimTransferred
)

// ClaimResult aggregates per-tile outcomes across one capture.
type ClaimResult struct {
	ClaimedNew  int
	Transferred int
}

// CaptureSummary is returned to the caller after a capture attempt.
type CaptureSummary struct {
	Closed           bool
	ClosureDistanceM float64
	ThresholdM       float64
	Resolution       int
	TileCount        int
	TileSample       []string
	ClaimedNew       int
	Transferred      int
	Activity         Activity
}

// LeaderboardEntry ranks one user by currently held tiles and captured distance.
type LeaderboardEntry struct {
	User       User
	TileCount  int
	DistanceKm float64
}

// HistoryFilter selects which audit entries a history page covers.
type HistoryFilter string

const (
	// HistoryInvolved returns entries where the user gained or lost a tile.
	HistoryInvolved HistoryFilter = "involved"
	// HistoryOwned returns entries for tiles the user currently owns.
	HistoryOwned HistoryFilter = "owned"
)

// HistoryCursor is the keyset position for paginated history reads.
type HistoryCursor struct {
	CreatedAt time.Time
	ID        int64
}
