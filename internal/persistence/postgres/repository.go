package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/territory/internal/domain"
	"example.com/territory/internal/outbox"
)

// Repository provides Postgres-backed persistence for users, activities, the
// ownership ledger, and the event outbox.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// UpsertUser creates or refreshes a user keyed by the external athlete id.
// The athlete id is the conflict key and never changes; display fields are
// overwritten on every resolution.
func (r *Repository) UpsertUser(ctx context.Context, user domain.User) (domain.User, error) {
	const stmt = `INSERT INTO users (athlete_id, username, firstname, lastname, profile)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (athlete_id) DO UPDATE
            SET username = EXCLUDED.username,
                firstname = EXCLUDED.firstname,
                lastname = EXCLUDED.lastname,
                profile = EXCLUDED.profile,
                updated_at = NOW()
        RETURNING id, athlete_id, username, firstname, lastname, profile, created_at, updated_at`

	row := r.pool.QueryRow(ctx, stmt, user.AthleteID, user.Username, user.FirstName, user.LastName, user.Profile)
	var stored domain.User
	if err := row.Scan(&stored.ID, &stored.AthleteID, &stored.Username, &stored.FirstName, &stored.LastName, &stored.Profile, &stored.CreatedAt, &stored.UpdatedAt); err != nil {
		return domain.User{}, fmt.Errorf("upsert user athlete_id=%d: %w", user.AthleteID, err)
	}
	return stored, nil
}

// GetUser retrieves a user by internal id; nil when absent.
func (r *Repository) GetUser(ctx context.Context, userID int64) (*domain.User, error) {
	const query = `SELECT id, athlete_id, username, firstname, lastname, profile, created_at, updated_at
        FROM users WHERE id = $1`

	row := r.pool.QueryRow(ctx, query, userID)
	var user domain.User
	if err := row.Scan(&user.ID, &user.AthleteID, &user.Username, &user.FirstName, &user.LastName, &user.Profile, &user.CreatedAt, &user.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user %d: %w", userID, err)
	}
	return &user, nil
}

// UpsertActivity creates or updates an activity keyed by its external id, and
// records the capture event in the outbox within the same transaction.
// Repeated calls with identical input converge to the same stored row.
func (r *Repository) UpsertActivity(ctx context.Context, activity domain.Activity) (domain.Activity, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Activity{}, err
	}
	defer tx.Rollback(ctx)

	const stmt = `INSERT INTO activities (external_id, user_id, name, distance_m, moving_time_s, start_lat, start_lng, end_lat, end_lng, polyline, captured, tile_count)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        ON CONFLICT (external_id) DO UPDATE
            SET name = EXCLUDED.name,
                distance_m = EXCLUDED.distance_m,
                moving_time_s = EXCLUDED.moving_time_s,
                start_lat = EXCLUDED.start_lat,
                start_lng = EXCLUDED.start_lng,
                end_lat = EXCLUDED.end_lat,
                end_lng = EXCLUDED.end_lng,
                polyline = EXCLUDED.polyline,
                captured = EXCLUDED.captured,
                tile_count = EXCLUDED.tile_count,
                updated_at = NOW()
        RETURNING id, external_id, user_id, name, distance_m, moving_time_s, start_lat, start_lng, end_lat, end_lng, polyline, captured, tile_count, created_at, updated_at`

	var startLat, startLng, endLat, endLng *float64
	if activity.Start != nil {
		startLat, startLng = &activity.Start.Lat, &activity.Start.Lng
	}
	if activity.End != nil {
		endLat, endLng = &activity.End.Lat, &activity.End.Lng
	}

	row := tx.QueryRow(ctx, stmt,
		activity.ExternalID,
		activity.UserID,
		activity.Name,
		activity.DistanceM,
		activity.MovingTimeS,
		startLat, startLng, endLat, endLng,
		activity.Polyline,
		activity.Captured,
		activity.TileCount,
	)

	stored, err := scanActivity(row)
	if err != nil {
		return domain.Activity{}, fmt.Errorf("upsert activity external_id=%d: %w", activity.ExternalID, err)
	}

	event := outbox.ActivityCaptured{
		ActivityID: stored.ID,
		ExternalID: stored.ExternalID,
		UserID:     stored.UserID,
		Captured:   stored.Captured,
		TileCount:  stored.TileCount,
		OccurredAt: time.Now().UTC(),
	}
	// The verdict is part of the dedupe key: a re-sync that flips captured
	// emits a corrective event instead of hitting the conflict.
	dedupeKey := fmt.Sprintf("activity:%d:%s:captured=%t", stored.ExternalID, outbox.EventActivityCaptured, stored.Captured)
	if err := insertOutbox(ctx, tx, "activity", fmt.Sprintf("%d", stored.ID), outbox.EventActivityCaptured, fmt.Sprintf("%d", stored.UserID), dedupeKey, event); err != nil {
		return domain.Activity{}, fmt.Errorf("record capture event for activity %d: %w", stored.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Activity{}, err
	}
	return stored, nil
}

// ClaimTile assigns tile ownership to the claimant as one atomic unit.
//
// The fresh-claim path inserts with ON CONFLICT DO NOTHING: of two concurrent
// claimants for an unowned tile, exactly one insert wins. The loser blocks on
// the conflicting insert until the winner commits, falls through to the
// transfer path, and re-reads the post-write owner under a row lock, so its
// history row names the winner as previous owner. The history row always
// commits in the same transaction as the ownership write.
func (r *Repository) ClaimTile(ctx context.Context, tileID string, claimantID, activityID int64, resolution int) (domain.ClaimOutcome, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.ClaimUnchanged, err
	}
	defer tx.Rollback(ctx)

	const insertStmt = `INSERT INTO tile_ownership (tile_id, owner_id)
        VALUES ($1, $2)
        ON CONFLICT (tile_id) DO NOTHING
        RETURNING tile_id`

	var inserted string
	err = tx.QueryRow(ctx, insertStmt, tileID, claimantID).Scan(&inserted)
	if err == nil {
		if err := r.recordChange(ctx, tx, tileID, nil, claimantID, activityID, resolution); err != nil {
			return domain.ClaimUnchanged, err
		}
		if err := tx.Commit(ctx); err != nil {
			return domain.ClaimUnchanged, err
		}
		return domain.ClaimNew, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.ClaimUnchanged, fmt.Errorf("claim tile %s: %w", tileID, err)
	}

	var ownerID int64
	if err := tx.QueryRow(ctx, `SELECT owner_id FROM tile_ownership WHERE tile_id = $1 FOR UPDATE`, tileID).Scan(&ownerID); err != nil {
		return domain.ClaimUnchanged, fmt.Errorf("lock tile %s: %w", tileID, err)
	}

	if ownerID == claimantID {
		// Idempotent re-sync: no mutation, no history row.
		if err := tx.Commit(ctx); err != nil {
			return domain.ClaimUnchanged, err
		}
		return domain.ClaimUnchanged, nil
	}

	if _, err := tx.Exec(ctx, `UPDATE tile_ownership SET owner_id = $2, updated_at = NOW() WHERE tile_id = $1`, tileID, claimantID); err != nil {
		return domain.ClaimUnchanged, fmt.Errorf("transfer tile %s: %w", tileID, err)
	}
	if err := r.recordChange(ctx, tx, tileID, &ownerID, claimantID, activityID, resolution); err != nil {
		return domain.ClaimUnchanged, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.ClaimUnchanged, err
	}
	return domain.ClaimTransferred, nil
}

// recordChange appends the history row and outbox event for one actual
// ownership change, inside the caller's transaction.
func (r *Repository) recordChange(ctx context.Context, tx pgx.Tx, tileID string, prevOwnerID *int64, newOwnerID, activityID int64, resolution int) error {
	const stmt = `INSERT INTO tile_history (tile_id, prev_owner_id, new_owner_id, activity_id, resolution)
        VALUES ($1, $2, $3, $4, $5)`

	if _, err := tx.Exec(ctx, stmt, tileID, prevOwnerID, newOwnerID, activityID, resolution); err != nil {
		return fmt.Errorf("append history for tile %s: %w", tileID, err)
	}

	now := time.Now().UTC()
	eventType := outbox.EventTileClaimed
	var payload any = outbox.TileClaimed{
		TileID:     tileID,
		OwnerID:    newOwnerID,
		ActivityID: activityID,
		Resolution: resolution,
		OccurredAt: now,
	}
	if prevOwnerID != nil {
		eventType = outbox.EventTileTransferred
		payload = outbox.TileTransferred{
			TileID:      tileID,
			OwnerID:     newOwnerID,
			PrevOwnerID: *prevOwnerID,
			ActivityID:  activityID,
			Resolution:  resolution,
			OccurredAt:  now,
		}
	}

	dedupeKey := fmt.Sprintf("%s:%d:%s", tileID, activityID, eventType)
	if err := insertOutbox(ctx, tx, "tile", tileID, eventType, tileID, dedupeKey, payload); err != nil {
		return fmt.Errorf("record %s for tile %s: %w", eventType, tileID, err)
	}
	return nil
}

func insertOutbox(ctx context.Context, tx pgx.Tx, aggregateType, aggregateID, eventType, partitionKey, dedupeKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, partition_key, payload, dedupe_key)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (dedupe_key) DO NOTHING`

	_, err = tx.Exec(ctx, stmt, aggregateType, aggregateID, eventType, partitionKey, body, dedupeKey)
	return err
}

// TilesOwnedBy returns the tile ids currently owned by a user.
func (r *Repository) TilesOwnedBy(ctx context.Context, userID int64) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT tile_id FROM tile_ownership WHERE owner_id = $1 ORDER BY tile_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("tiles owned by user %d: %w", userID, err)
	}
	defer rows.Close()

	tiles := make([]string, 0)
	for rows.Next() {
		var tileID string
		if err := rows.Scan(&tileID); err != nil {
			return nil, err
		}
		tiles = append(tiles, tileID)
	}
	return tiles, rows.Err()
}

// HistoryPage returns audit entries for a user, newest first, with keyset
// pagination on (created_at, id).
func (r *Repository) HistoryPage(ctx context.Context, userID int64, filter domain.HistoryFilter, cursor *domain.HistoryCursor, limit int) ([]domain.TileHistory, *domain.HistoryCursor, error) {
	query := `SELECT id, tile_id, prev_owner_id, new_owner_id, activity_id, resolution, created_at
        FROM tile_history`

	switch filter {
	case domain.HistoryOwned:
		query += ` WHERE tile_id IN (SELECT tile_id FROM tile_ownership WHERE owner_id = $1)`
	default:
		query += ` WHERE (new_owner_id = $1 OR prev_owner_id = $1)`
	}

	args := []any{userID, limit}
	if cursor != nil {
		query += ` AND (created_at, id) < ($3, $4)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("history for user %d: %w", userID, err)
	}
	defer rows.Close()

	entries := make([]domain.TileHistory, 0, limit)
	for rows.Next() {
		var entry domain.TileHistory
		if err := rows.Scan(&entry.ID, &entry.TileID, &entry.PrevOwnerID, &entry.NewOwnerID, &entry.ActivityID, &entry.Resolution, &entry.CreatedAt); err != nil {
			return nil, nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var nextCursor *domain.HistoryCursor
	if len(entries) == limit {
		last := entries[len(entries)-1]
		nextCursor = &domain.HistoryCursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return entries, nextCursor, nil
}

// Leaderboard ranks every user by current tile count, then by captured
// distance. Distance conversion to kilometers happens in Go to keep the
// rounding rule in one place.
func (r *Repository) Leaderboard(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	const query = `SELECT u.id, u.athlete_id, u.username, u.firstname, u.lastname, u.profile, u.created_at, u.updated_at,
            COALESCE(t.tiles, 0) AS tiles,
            COALESCE(a.distance_m, 0) AS distance_m
        FROM users u
        LEFT JOIN (SELECT owner_id, COUNT(*) AS tiles FROM tile_ownership GROUP BY owner_id) t ON t.owner_id = u.id
        LEFT JOIN (SELECT user_id, SUM(distance_m) AS distance_m FROM activities WHERE captured GROUP BY user_id) a ON a.user_id = u.id
        ORDER BY tiles DESC, distance_m DESC
        LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.LeaderboardEntry, 0, limit)
	for rows.Next() {
		var entry domain.LeaderboardEntry
		var tiles int
		var distanceM float64
		if err := rows.Scan(&entry.User.ID, &entry.User.AthleteID, &entry.User.Username, &entry.User.FirstName, &entry.User.LastName, &entry.User.Profile, &entry.User.CreatedAt, &entry.User.UpdatedAt, &tiles, &distanceM); err != nil {
			return nil, err
		}
		entry.TileCount = tiles
		entry.DistanceKm = roundKm(distanceM)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func roundKm(distanceM float64) float64 {
	return math.Round(distanceM/10) / 100
}

func scanActivity(row pgx.Row) (domain.Activity, error) {
	var act domain.Activity
	var startLat, startLng, endLat, endLng *float64
	if err := row.Scan(&act.ID, &act.ExternalID, &act.UserID, &act.Name, &act.DistanceM, &act.MovingTimeS, &startLat, &startLng, &endLat, &endLng, &act.Polyline, &act.Captured, &act.TileCount, &act.CreatedAt, &act.UpdatedAt); err != nil {
		return domain.Activity{}, err
	}
	if startLat != nil && startLng != nil {
		act.Start = &domain.Coordinates{Lat: *startLat, Lng: *startLng}
	}
	if endLat != nil && endLng != nil {
		act.End = &domain.Coordinates{Lat: *endLat, Lng: *endLng}
	}
	return act, nil
}
