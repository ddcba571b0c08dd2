// Package strava models the payloads consumed from the external fitness
// tracker and provides a minimal read-only API client. Token acquisition is
// handled elsewhere; callers pass a valid access token.
package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Athlete is the resolved external identity profile.
type Athlete struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"firstname"`
	LastName  string `json:"lastname"`
	Profile   string `json:"profile"`
}

// Activity is one raw recorded track as delivered by the tracker. StartLatLng
// and EndLatLng are [lat, lng] pairs and may be absent for manual or
// privacy-trimmed activities.
type Activity struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Distance    float64   `json:"distance"`
	MovingTime  int       `json:"moving_time"`
	StartLatLng []float64 `json:"start_latlng"`
	EndLatLng   []float64 `json:"end_latlng"`
	Map         *Map      `json:"map"`
}

// Map carries the compact path encoding of an activity.
type Map struct {
	SummaryPolyline string `json:"summary_polyline"`
}

// Polyline returns the encoded path, or "" when the tracker sent none.
func (a Activity) Polyline() string {
	if a.Map == nil {
		return ""
	}
	return a.Map.SummaryPolyline
}

// Client is a minimal Strava API v3 client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a client with sane defaults.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// ListAthleteActivities fetches one page of the authenticated athlete's
// activities.
func (c *Client) ListAthleteActivities(ctx context.Context, accessToken string, page, perPage int) ([]Activity, error) {
	endpoint := fmt.Sprintf("%s/api/v3/athlete/activities?%s", c.baseURL, url.Values{
		"page":     {fmt.Sprintf("%d", page)},
		"per_page": {fmt.Sprintf("%d", perPage)},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("strava activities error (status=%d): %s", resp.StatusCode, body)
	}

	var activities []Activity
	if err := json.NewDecoder(resp.Body).Decode(&activities); err != nil {
		return nil, err
	}
	return activities, nil
}

// GetAthlete fetches the authenticated athlete's profile.
func (c *Client) GetAthlete(ctx context.Context, accessToken string) (*Athlete, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v3/athlete", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("strava athlete error (status=%d): %s", resp.StatusCode, body)
	}

	var athlete Athlete
	if err := json.NewDecoder(resp.Body).Decode(&athlete); err != nil {
		return nil, err
	}
	return &athlete, nil
}
