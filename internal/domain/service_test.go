package domain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-polyline"

	"example.com/territory/internal/tiling"
)

// fakeStore implements Store in memory with the same per-tile semantics the
// Postgres repository provides.
type fakeStore struct {
	users          map[int64]User
	nextUserID     int64
	activities     map[int64]Activity // keyed by external id
	nextActivityID int64
	owners         map[string]int64
	history        []TileHistory

	failTile        string
	lastHistoryArgs struct {
		filter HistoryFilter
		limit  int
	}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:      make(map[int64]User),
		activities: make(map[int64]Activity),
		owners:     make(map[string]int64),
	}
}

func (f *fakeStore) UpsertUser(_ context.Context, user User) (User, error) {
	for _, existing := range f.users {
		if existing.AthleteID == user.AthleteID {
			existing.Username = user.Username
			existing.FirstName = user.FirstName
			existing.LastName = user.LastName
			existing.Profile = user.Profile
			f.users[existing.ID] = existing
			return existing, nil
		}
	}
	f.nextUserID++
	user.ID = f.nextUserID
	f.users[user.ID] = user
	return user, nil
}

func (f *fakeStore) GetUser(_ context.Context, userID int64) (*User, error) {
	user, ok := f.users[userID]
	if !ok {
		return nil, nil
	}
	return &user, nil
}

func (f *fakeStore) UpsertActivity(_ context.Context, activity Activity) (Activity, error) {
	if existing, ok := f.activities[activity.ExternalID]; ok {
		activity.ID = existing.ID
		activity.CreatedAt = existing.CreatedAt
	} else {
		f.nextActivityID++
		activity.ID = f.nextActivityID
		activity.CreatedAt = time.Now().UTC()
	}
	activity.UpdatedAt = time.Now().UTC()
	f.activities[activity.ExternalID] = activity
	return activity, nil
}

func (f *fakeStore) ClaimTile(_ context.Context, tileID string, claimantID, activityID int64, resolution int) (ClaimOutcome, error) {
	if tileID == f.failTile {
		return ClaimUnchanged, errors.New("store unavailable")
	}

	owner, exists := f.owners[tileID]
	if !exists {
		f.owners[tileID] = claimantID
		f.history = append(f.history, TileHistory{
			ID: int64(len(f.history) + 1), TileID: tileID, NewOwnerID: claimantID,
			ActivityID: activityID, Resolution: resolution, CreatedAt: time.Now().UTC(),
		})
		return ClaimNew, nil
	}
	if owner == claimantID {
		return ClaimUnchanged, nil
	}
	prev := owner
	f.owners[tileID] = claimantID
	f.history = append(f.history, TileHistory{
		ID: int64(len(f.history) + 1), TileID: tileID, PrevOwnerID: &prev, NewOwnerID: claimantID,
		ActivityID: activityID, Resolution: resolution, CreatedAt: time.Now().UTC(),
	})
	return ClaimTransferred, nil
}

func (f *fakeStore) TilesOwnedBy(_ context.Context, userID int64) ([]string, error) {
	tiles := make([]string, 0)
	for tileID, owner := range f.owners {
		if owner == userID {
			tiles = append(tiles, tileID)
		}
	}
	sort.Strings(tiles)
	return tiles, nil
}

func (f *fakeStore) HistoryPage(_ context.Context, userID int64, filter HistoryFilter, _ *HistoryCursor, limit int) ([]TileHistory, *HistoryCursor, error) {
	f.lastHistoryArgs.filter = filter
	f.lastHistoryArgs.limit = limit

	entries := make([]TileHistory, 0)
	for i := len(f.history) - 1; i >= 0; i-- {
		entry := f.history[i]
		if entry.NewOwnerID == userID || (entry.PrevOwnerID != nil && *entry.PrevOwnerID == userID) {
			entries = append(entries, entry)
		}
		if len(entries) == limit {
			break
		}
	}
	return entries, nil, nil
}

func (f *fakeStore) Leaderboard(_ context.Context, limit int) ([]LeaderboardEntry, error) {
	entries := make([]LeaderboardEntry, 0, len(f.users))
	for _, user := range f.users {
		entry := LeaderboardEntry{User: user}
		for _, owner := range f.owners {
			if owner == user.ID {
				entry.TileCount++
			}
		}
		var distanceM float64
		for _, act := range f.activities {
			if act.UserID == user.ID && act.Captured {
				distanceM += act.DistanceM
			}
		}
		entry.DistanceKm = math.Round(distanceM/10) / 100
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TileCount != entries[j].TileCount {
			return entries[i].TileCount > entries[j].TileCount
		}
		return entries[i].DistanceKm > entries[j].DistanceKm
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (f *fakeStore) historyFor(tileID string) []TileHistory {
	entries := make([]TileHistory, 0)
	for _, entry := range f.history {
		if entry.TileID == tileID {
			entries = append(entries, entry)
		}
	}
	return entries
}

func (f *fakeStore) mustUser(t *testing.T, athleteID int64) User {
	t.Helper()
	user, err := f.UpsertUser(context.Background(), User{AthleteID: athleteID, Username: fmt.Sprintf("user-%d", athleteID)})
	require.NoError(t, err)
	return user
}

// spreadPath encodes four points far enough apart to land in four distinct
// cells at the default resolution.
func spreadPath(t *testing.T) string {
	t.Helper()
	return string(polyline.EncodeCoords([][]float64{
		{18.520, 73.850},
		{18.525, 73.855},
		{18.530, 73.860},
		{18.535, 73.865},
	}))
}

func closedLoopInput(t *testing.T, externalID int64) CaptureInput {
	t.Helper()
	return CaptureInput{
		ExternalID:  externalID,
		Name:        "Morning Run - Koregaon Park",
		DistanceM:   5200,
		MovingTimeS: 1800,
		Start:       &Coordinates{Lat: 18.52, Lng: 73.85},
		End:         &Coordinates{Lat: 18.5202, Lng: 73.8502},
		Polyline:    spreadPath(t),
	}
}

func TestCaptureClosedLoopClaimsTiles(t *testing.T) {
	store := newFakeStore()
	service := NewService(store, tiling.DefaultResolution)
	user := store.mustUser(t, 100)

	summary, err := service.Capture(context.Background(), user.ID, closedLoopInput(t, 1))
	require.NoError(t, err)

	require.True(t, summary.Closed)
	require.InDelta(t, 30.7, summary.ClosureDistanceM, 1.0)
	require.Equal(t, 200.0, summary.ThresholdM)
	require.Equal(t, tiling.DefaultResolution, summary.Resolution)
	require.Equal(t, 4, summary.TileCount)
	require.Equal(t, 4, summary.ClaimedNew)
	require.Zero(t, summary.Transferred)
	require.LessOrEqual(t, len(summary.TileSample), 5)
	require.True(t, summary.Activity.Captured)
	require.Equal(t, 4, summary.Activity.TileCount)

	require.Len(t, store.history, 4)
	for _, entry := range store.history {
		require.Nil(t, entry.PrevOwnerID, "fresh claims record no previous owner")
		require.Equal(t, user.ID, entry.NewOwnerID)
		require.Equal(t, summary.Activity.ID, entry.ActivityID)
		require.Equal(t, tiling.DefaultResolution, entry.Resolution)
	}
}

func TestCaptureOpenTrackPersistsWithoutClaims(t *testing.T) {
	store := newFakeStore()
	service := NewService(store, tiling.DefaultResolution)
	user := store.mustUser(t, 100)

	in := closedLoopInput(t, 2)
	in.End = &Coordinates{Lat: 18.60, Lng: 73.95} // ~12km from start

	summary, err := service.Capture(context.Background(), user.ID, in)
	require.NoError(t, err)

	require.False(t, summary.Closed)
	require.Zero(t, summary.TileCount)
	require.Zero(t, summary.ClaimedNew)
	require.Empty(t, store.owners)
	require.Empty(t, store.history)

	stored := store.activities[in.ExternalID]
	require.False(t, stored.Captured, "open tracks are persisted with captured=false")
	require.Zero(t, stored.TileCount)
}

func TestCaptureIdempotent(t *testing.T) {
	store := newFakeStore()
	service := NewService(store, tiling.DefaultResolution)
	user := store.mustUser(t, 100)
	in := closedLoopInput(t, 3)

	first, err := service.Capture(context.Background(), user.ID, in)
	require.NoError(t, err)
	historyAfterFirst := len(store.history)
	ownersAfterFirst := map[string]int64{}
	for k, v := range store.owners {
		ownersAfterFirst[k] = v
	}

	second, err := service.Capture(context.Background(), user.ID, in)
	require.NoError(t, err)

	require.Equal(t, first.Activity.ID, second.Activity.ID, "re-sync must update, not duplicate")
	require.Len(t, store.activities, 1)
	require.Equal(t, ownersAfterFirst, store.owners)
	require.Len(t, store.history, historyAfterFirst, "re-sync must not append history")
	require.Zero(t, second.ClaimedNew)
	require.Zero(t, second.Transferred)
}

func TestCaptureTransfersOwnership(t *testing.T) {
	store := newFakeStore()
	service := NewService(store, tiling.DefaultResolution)
	userA := store.mustUser(t, 100)
	userB := store.mustUser(t, 200)

	_, err := service.Capture(context.Background(), userA.ID, closedLoopInput(t, 4))
	require.NoError(t, err)

	summary, err := service.Capture(context.Background(), userB.ID, closedLoopInput(t, 5))
	require.NoError(t, err)

	require.Equal(t, 4, summary.Transferred)
	require.Zero(t, summary.ClaimedNew)

	for tileID, owner := range store.owners {
		require.Equal(t, userB.ID, owner)

		entries := store.historyFor(tileID)
		require.Len(t, entries, 2, "one fresh claim plus one transfer per tile")
		require.Nil(t, entries[0].PrevOwnerID)
		require.Equal(t, userA.ID, entries[0].NewOwnerID)
		require.NotNil(t, entries[1].PrevOwnerID)
		require.Equal(t, userA.ID, *entries[1].PrevOwnerID)
		require.Equal(t, userB.ID, entries[1].NewOwnerID)
	}
}

func TestCaptureMissingCoordinates(t *testing.T) {
	store := newFakeStore()
	service := NewService(store, tiling.DefaultResolution)
	user := store.mustUser(t, 100)

	in := closedLoopInput(t, 6)
	in.Start = nil

	_, err := service.Capture(context.Background(), user.ID, in)
	require.ErrorIs(t, err, ErrMissingCoordinates)
	require.Empty(t, store.activities, "validation failures must abort before any mutation")
}

func TestCaptureMissingPath(t *testing.T) {
	store := newFakeStore()
	service := NewService(store, tiling.DefaultResolution)
	user := store.mustUser(t, 100)

	in := closedLoopInput(t, 7)
	in.Polyline = "  "

	_, err := service.Capture(context.Background(), user.ID, in)
	require.ErrorIs(t, err, ErrMissingPath)
	require.Empty(t, store.activities)
}

func TestCaptureInvalidPath(t *testing.T) {
	store := newFakeStore()
	service := NewService(store, tiling.DefaultResolution)
	user := store.mustUser(t, 100)

	in := closedLoopInput(t, 8)
	in.Polyline = "\x01\x02"

	_, err := service.Capture(context.Background(), user.ID, in)
	require.ErrorIs(t, err, ErrInvalidPath)
	require.Empty(t, store.activities)
}

func TestCaptureClaimFailureKeepsActivityAndNamesTile(t *testing.T) {
	store := newFakeStore()
	service := NewService(store, tiling.DefaultResolution)
	user := store.mustUser(t, 100)
	in := closedLoopInput(t, 9)

	tiles, err := tiling.Tiles(in.Polyline, tiling.DefaultResolution)
	require.NoError(t, err)
	store.failTile = tiles[2]

	_, err = service.Capture(context.Background(), user.ID, in)
	require.ErrorIs(t, err, ErrSyncFailed)
	require.Contains(t, err.Error(), tiles[2])

	require.Len(t, store.activities, 1, "activity persists even when claims fail")
	require.Len(t, store.history, 2, "tiles claimed before the failure stay claimed")
}

func TestLeaderboardOrdering(t *testing.T) {
	store := newFakeStore()
	service := NewService(store, tiling.DefaultResolution)

	u1 := store.mustUser(t, 1)
	u2 := store.mustUser(t, 2)
	u3 := store.mustUser(t, 3)

	seedTiles := func(user User, n int) {
		for i := 0; i < n; i++ {
			store.owners[fmt.Sprintf("tile-%d-%d", user.ID, i)] = user.ID
		}
	}
	seedTiles(u1, 5)
	seedTiles(u2, 5)
	seedTiles(u3, 8)

	store.activities[11] = Activity{ID: 11, ExternalID: 11, UserID: u1.ID, DistanceM: 12345, Captured: true}
	store.activities[12] = Activity{ID: 12, ExternalID: 12, UserID: u2.ID, DistanceM: 20000, Captured: true}
	store.activities[13] = Activity{ID: 13, ExternalID: 13, UserID: u3.ID, DistanceM: 1000, Captured: true}

	entries, err := service.Leaderboard(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, u3.ID, entries[0].User.ID, "more tiles wins regardless of distance")
	require.Equal(t, u2.ID, entries[1].User.ID, "distance breaks tile ties")
	require.Equal(t, u1.ID, entries[2].User.ID)
	require.InDelta(t, 12.35, entries[2].DistanceKm, 1e-9, "distance reported in km, rounded to 2 decimals")
}

func TestUserTilesUnknownUser(t *testing.T) {
	store := newFakeStore()
	service := NewService(store, tiling.DefaultResolution)

	_, err := service.UserTiles(context.Background(), 404)
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestUserHistoryDefaults(t *testing.T) {
	store := newFakeStore()
	service := NewService(store, tiling.DefaultResolution)
	user := store.mustUser(t, 100)

	_, _, err := service.UserHistory(context.Background(), user.ID, "bogus", nil, 0)
	require.NoError(t, err)
	require.Equal(t, HistoryInvolved, store.lastHistoryArgs.filter)
	require.Equal(t, DefaultHistoryPageSize, store.lastHistoryArgs.limit)
}
