// Command syncer backfills a user's territory from the tracker API: it pulls
// the athlete profile and recent activities and submits them to a running
// territory service as one sync batch per page.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"example.com/territory/internal/config"
	"example.com/territory/internal/strava"
)

const defaultPerPage = 50

func main() {
	target := flag.String("target", "http://localhost:8080", "base URL of the territory service")
	pages := flag.Int("pages", 1, "number of activity pages to backfill")
	perPage := flag.Int("per-page", defaultPerPage, "activities per page")
	flag.Parse()

	token := os.Getenv("STRAVA_ACCESS_TOKEN")
	if token == "" {
		log.Fatal("STRAVA_ACCESS_TOKEN is required")
	}

	cfg := config.Load()
	client := strava.NewClient(cfg.StravaBaseURL)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	athlete, err := client.GetAthlete(ctx, token)
	if err != nil {
		log.Fatalf("fetch athlete: %v", err)
	}
	log.Printf("backfilling athlete %d (%s)", athlete.ID, athlete.Username)

	total := 0
	for page := 1; page <= *pages; page++ {
		activities, err := client.ListAthleteActivities(ctx, token, page, *perPage)
		if err != nil {
			log.Fatalf("fetch activities page %d: %v", page, err)
		}
		if len(activities) == 0 {
			break
		}

		if err := submitBatch(ctx, *target, *athlete, activities); err != nil {
			log.Fatalf("submit page %d: %v", page, err)
		}
		total += len(activities)
		log.Printf("page %d: submitted %d activities", page, len(activities))
	}

	log.Printf("backfill complete: %d activities", total)
}

func submitBatch(ctx context.Context, target string, athlete strava.Athlete, activities []strava.Activity) error {
	payload, err := json.Marshal(map[string]any{
		"athlete":    athlete,
		"activities": activities,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target+"/v1/sync", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sync rejected (status=%d): %s", resp.StatusCode, body)
	}
	return nil
}
