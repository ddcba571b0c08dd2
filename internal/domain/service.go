// Package domain defines the business logic of the territory capture engine.
package domain

import (
	"context"
	"fmt"
	"math"
	"strings"

	"example.com/territory/internal/geo"
	"example.com/territory/internal/observability"
	"example.com/territory/internal/tiling"
)

// Store captures the persistence operations the engine needs. Implementations
// must make ClaimTile atomic per tile: the conditional write and its history
// row commit together, and concurrent claimants for the same tile serialise so
// the loser observes the winner as previous owner.
type Store interface {
	UpsertUser(ctx context.Context, user User) (User, error)
	GetUser(ctx context.Context, userID int64) (*User, error)
	UpsertActivity(ctx context.Context, activity Activity) (Activity, error)
	ClaimTile(ctx context.Context, tileID string, claimantID, activityID int64, resolution int) (ClaimOutcome, error)
	TilesOwnedBy(ctx context.Context, userID int64) ([]string, error)
	HistoryPage(ctx context.Context, userID int64, filter HistoryFilter, cursor *HistoryCursor, limit int) ([]TileHistory, *HistoryCursor, error)
	Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error)
}

const (
	// DefaultLeaderboardLimit bounds leaderboard reads when no limit is given.
	DefaultLeaderboardLimit = 50
	// DefaultHistoryPageSize bounds history pages when no limit is given.
	DefaultHistoryPageSize = 200

	tileSampleSize = 5
)

// Service orchestrates captures and derived reads.
type Service struct {
	store      Store
	resolution int
}

// NewService constructs a Service. resolution is the H3 resolution captures
// run at; values <= 0 fall back to tiling.DefaultResolution.
func NewService(store Store, resolution int) *Service {
	if resolution <= 0 {
		resolution = tiling.DefaultResolution
	}
	return &Service{store: store, resolution: resolution}
}

// CaptureInput carries one raw activity through a capture.
type CaptureInput struct {
	ExternalID  int64
	Name        string
	DistanceM   float64
	MovingTimeS int
	Start       *Coordinates
	End         *Coordinates
	Polyline    string
}

// ResolveUser upserts a user from a resolved external identity. The external
// athlete id is the conflict key; display fields are refreshed in place.
func (s *Service) ResolveUser(ctx context.Context, user User) (User, error) {
	return s.store.UpsertUser(ctx, user)
}

// Capture turns one activity into zero or more tile claims.
//
// The steps run in a fixed order, each a potential early exit: validate
// endpoints, test loop closure, tile the path (closed tracks only), persist
// the activity, then claim tiles with the persisted activity as cause.
// Validation failures abort before any mutation. A claim failure after the
// activity row is written is surfaced with its tile id; earlier tiles stay
// claimed, and a later re-sync of the same activity completes the remainder.
func (s *Service) Capture(ctx context.Context, userID int64, in CaptureInput) (CaptureSummary, error) {
	if in.Start == nil || in.End == nil {
		return CaptureSummary{}, ErrMissingCoordinates
	}

	distance := geo.DistanceMeters(in.Start.Lat, in.Start.Lng, in.End.Lat, in.End.Lng)
	closed := geo.IsClosedLoop(distance)

	var tileIDs []string
	if closed {
		if strings.TrimSpace(in.Polyline) == "" {
			return CaptureSummary{}, ErrMissingPath
		}
		cells, err := tiling.Tiles(in.Polyline, s.resolution)
		if err != nil {
			return CaptureSummary{}, fmt.Errorf("%w: %v", ErrInvalidPath, err)
		}
		tileIDs = cells
	}

	activity, err := s.store.UpsertActivity(ctx, Activity{
		ExternalID:  in.ExternalID,
		UserID:      userID,
		Name:        in.Name,
		DistanceM:   in.DistanceM,
		MovingTimeS: in.MovingTimeS,
		Start:       in.Start,
		End:         in.End,
		Polyline:    in.Polyline,
		Captured:    closed,
		TileCount:   len(tileIDs),
	})
	if err != nil {
		return CaptureSummary{}, fmt.Errorf("%w: persist activity %d: %v", ErrSyncFailed, in.ExternalID, err)
	}

	var claims ClaimResult
	if closed && len(tileIDs) > 0 {
		claims, err = s.claimAll(ctx, tileIDs, userID, activity.ID)
		if err != nil {
			return CaptureSummary{}, err
		}
	}

	observability.RecordCapture(closed, len(tileIDs))
	observability.RecordClaims(claims.ClaimedNew, claims.Transferred)

	return CaptureSummary{
		Closed:           closed,
		ClosureDistanceM: math.Round(distance*100) / 100,
		ThresholdM:       geo.ClosureThresholdMeters,
		Resolution:       s.resolution,
		TileCount:        len(tileIDs),
		TileSample:       sample(tileIDs, tileSampleSize),
		ClaimedNew:       claims.ClaimedNew,
		Transferred:      claims.Transferred,
		Activity:         activity,
	}, nil
}

// claimAll claims tile by tile, best effort: a failure stops the loop but does
// not roll back tiles already claimed.
func (s *Service) claimAll(ctx context.Context, tileIDs []string, claimantID, activityID int64) (ClaimResult, error) {
	var result ClaimResult
	for _, tileID := range tileIDs {
		outcome, err := s.store.ClaimTile(ctx, tileID, claimantID, activityID, s.resolution)
		if err != nil {
			return result, fmt.Errorf("%w: claim tile %s for activity %d: %v", ErrSyncFailed, tileID, activityID, err)
		}
		switch outcome {
		case ClaimNew:
			result.ClaimedNew++
		case ClaimTransferred:
			result.Transferred++
		}
	}
	return result, nil
}

// Leaderboard ranks users by current tile count, then captured distance.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = DefaultLeaderboardLimit
	}
	return s.store.Leaderboard(ctx, limit)
}

// UserTiles returns the tiles a user currently owns.
func (s *Service) UserTiles(ctx context.Context, userID int64) ([]string, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.store.TilesOwnedBy(ctx, userID)
}

// UserHistory returns a page of audit entries for a user, newest first.
func (s *Service) UserHistory(ctx context.Context, userID int64, filter HistoryFilter, cursor *HistoryCursor, limit int) ([]TileHistory, *HistoryCursor, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return nil, nil, err
	}
	if filter != HistoryOwned {
		filter = HistoryInvolved
	}
	if limit <= 0 {
		limit = DefaultHistoryPageSize
	}
	return s.store.HistoryPage(ctx, userID, filter, cursor, limit)
}

func (s *Service) requireUser(ctx context.Context, userID int64) error {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrUserNotFound
	}
	return nil
}

func sample(ids []string, n int) []string {
	if len(ids) <= n {
		return append([]string(nil), ids...)
	}
	return append([]string(nil), ids[:n]...)
}
