// Package api exposes HTTP handlers for the territory service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"example.com/territory/internal/domain"
	"example.com/territory/internal/persistence"
	"example.com/territory/internal/strava"
)

// Handler coordinates HTTP requests with the domain service.
type Handler struct {
	service *domain.Service
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/sync", h.sync)
	mux.HandleFunc("/v1/leaderboard", h.leaderboard)
	mux.HandleFunc("/v1/users/", h.userResource)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// sync resolves the athlete and runs one capture per submitted activity.
// Validation failures are reported per item and do not fail the batch.
func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	user, err := h.service.ResolveUser(r.Context(), domain.User{
		AthleteID: req.Athlete.ID,
		Username:  req.Athlete.Username,
		FirstName: req.Athlete.FirstName,
		LastName:  req.Athlete.LastName,
		Profile:   req.Athlete.Profile,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	resp := SyncResponse{
		SyncID:  uuid.NewString(),
		User:    toUserView(user),
		Results: make([]SyncResult, 0, len(req.Activities)),
	}

	for _, raw := range req.Activities {
		result := SyncResult{ExternalID: strconv.FormatInt(raw.ID, 10)}

		summary, err := h.service.Capture(r.Context(), user.ID, toCaptureInput(raw))
		switch {
		case err == nil:
			view := toCaptureView(summary)
			result.Summary = &view
			result.Status = "open"
			if summary.Closed {
				result.Status = "captured"
			}
		case errors.Is(err, domain.ErrSyncFailed):
			result.Status = "failed"
			result.Error = err.Error()
		default:
			// Local validation errors: skipped, never retried.
			result.Status = "skipped"
			result.Error = err.Error()
		}
		resp.Results = append(resp.Results, result)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) leaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	entries, err := h.service.Leaderboard(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]LeaderboardEntryView, 0, len(entries))
	for rank, entry := range entries {
		items = append(items, LeaderboardEntryView{
			Rank:       rank + 1,
			User:       toUserView(entry.User),
			TileCount:  entry.TileCount,
			DistanceKm: entry.DistanceKm,
		})
	}
	writeJSON(w, http.StatusOK, LeaderboardResponse{Entries: items})
}

func (h *Handler) userResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/users/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing user id")
		return
	}

	userID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid user id")
		return
	}

	switch parts[1] {
	case "tiles":
		h.userTiles(w, r, userID)
	case "history":
		h.userHistory(w, r, userID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown resource")
	}
}

func (h *Handler) userTiles(w http.ResponseWriter, r *http.Request, userID int64) {
	tiles, err := h.service.UserTiles(r.Context(), userID)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, UserTilesResponse{Tiles: tiles, Count: len(tiles)})
}

func (h *Handler) userHistory(w http.ResponseWriter, r *http.Request, userID int64) {
	filter := domain.HistoryFilter(r.URL.Query().Get("filter"))

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeHistoryCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	entries, next, err := h.service.UserHistory(r.Context(), userID, filter, cursor, limit)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]TileHistoryView, 0, len(entries))
	for _, entry := range entries {
		items = append(items, toTileHistoryView(entry))
	}
	writeJSON(w, http.StatusOK, TileHistoryResponse{
		Items:      items,
		NextCursor: persistence.EncodeHistoryCursor(next),
	})
}

// SyncRequest is the payload for POST /v1/sync.
type SyncRequest struct {
	Athlete    strava.Athlete    `json:"athlete"`
	Activities []strava.Activity `json:"activities"`
}

// Validate ensures request correctness.
func (r SyncRequest) Validate() error {
	if r.Athlete.ID == 0 {
		return errors.New("athlete.id is required")
	}
	if len(r.Activities) == 0 {
		return errors.New("activities must not be empty")
	}
	for _, act := range r.Activities {
		if act.ID == 0 {
			return errors.New("every activity needs an id")
		}
	}
	return nil
}

// SyncResponse reports the outcome of each submitted activity.
type SyncResponse struct {
	SyncID  string       `json:"sync_id"`
	User    UserView     `json:"user"`
	Results []SyncResult `json:"results"`
}

// SyncResult is the per-activity outcome inside a sync batch.
type SyncResult struct {
	ExternalID string       `json:"external_activity_id"`
	Status     string       `json:"status"`
	Error      string       `json:"error,omitempty"`
	Summary    *CaptureView `json:"summary,omitempty"`
}

// UserView exposes a user. Large external ids are rendered as strings.
type UserView struct {
	ID        int64  `json:"id,string"`
	AthleteID int64  `json:"athlete_id,string"`
	Username  string `json:"username"`
	FirstName string `json:"firstname"`
	LastName  string `json:"lastname"`
	Profile   string `json:"profile"`
}

// CaptureView summarises one capture.
type CaptureView struct {
	ActivityID       int64    `json:"activity_id,string"`
	Captured         bool     `json:"captured"`
	ClosureDistanceM float64  `json:"closure_distance_m"`
	ThresholdM       float64  `json:"threshold_m"`
	Resolution       int      `json:"resolution"`
	TileCount        int      `json:"tile_count"`
	TileSample       []string `json:"tile_sample"`
	ClaimedNew       int      `json:"claimed_new"`
	Transferred      int      `json:"transferred"`
}

// LeaderboardEntryView is one ranked row.
type LeaderboardEntryView struct {
	Rank       int      `json:"rank"`
	User       UserView `json:"user"`
	TileCount  int      `json:"tile_count"`
	DistanceKm float64  `json:"distance_km"`
}

// LeaderboardResponse packages the ranked rows.
type LeaderboardResponse struct {
	Entries []LeaderboardEntryView `json:"entries"`
}

// UserTilesResponse lists a user's current tiles.
type UserTilesResponse struct {
	Tiles []string `json:"tiles"`
	Count int      `json:"count"`
}

// TileHistoryView is one audit entry.
type TileHistoryView struct {
	ID          int64     `json:"id,string"`
	TileID      string    `json:"tile_id"`
	PrevOwnerID *string   `json:"prev_owner_id"`
	NewOwnerID  int64     `json:"new_owner_id,string"`
	ActivityID  int64     `json:"activity_id,string"`
	Resolution  int       `json:"resolution"`
	CreatedAt   time.Time `json:"created_at"`
}

// TileHistoryResponse packages one history page.
type TileHistoryResponse struct {
	Items      []TileHistoryView `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

func toCaptureInput(raw strava.Activity) domain.CaptureInput {
	return domain.CaptureInput{
		ExternalID:  raw.ID,
		Name:        raw.Name,
		DistanceM:   raw.Distance,
		MovingTimeS: raw.MovingTime,
		Start:       toCoordinates(raw.StartLatLng),
		End:         toCoordinates(raw.EndLatLng),
		Polyline:    raw.Polyline(),
	}
}

func toCoordinates(pair []float64) *domain.Coordinates {
	if len(pair) != 2 {
		return nil
	}
	return &domain.Coordinates{Lat: pair[0], Lng: pair[1]}
}

func toUserView(user domain.User) UserView {
	return UserView{
		ID:        user.ID,
		AthleteID: user.AthleteID,
		Username:  user.Username,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Profile:   user.Profile,
	}
}

func toCaptureView(summary domain.CaptureSummary) CaptureView {
	return CaptureView{
		ActivityID:       summary.Activity.ID,
		Captured:         summary.Closed,
		ClosureDistanceM: summary.ClosureDistanceM,
		ThresholdM:       summary.ThresholdM,
		Resolution:       summary.Resolution,
		TileCount:        summary.TileCount,
		TileSample:       summary.TileSample,
		ClaimedNew:       summary.ClaimedNew,
		Transferred:      summary.Transferred,
	}
}

func toTileHistoryView(entry domain.TileHistory) TileHistoryView {
	view := TileHistoryView{
		ID:         entry.ID,
		TileID:     entry.TileID,
		NewOwnerID: entry.NewOwnerID,
		ActivityID: entry.ActivityID,
		Resolution: entry.Resolution,
		CreatedAt:  entry.CreatedAt,
	}
	if entry.PrevOwnerID != nil {
		formatted := strconv.FormatInt(*entry.PrevOwnerID, 10)
		view.PrevOwnerID = &formatted
	}
	return view
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
