// Package tiling discretises encoded activity paths into H3 cells.
package tiling

import (
	"errors"
	"fmt"
	"strings"

	"github.com/twpayne/go-polyline"
	h3 "github.com/uber/h3-go/v4"
)

// DefaultResolution is the H3 resolution used when no override is configured.
// Higher values mean smaller cells.
const DefaultResolution = 10

// Tiles decodes an encoded polyline and maps every point to the H3 cell that
// contains it at the given resolution. The returned identifiers are
// deduplicated, preserving first-traversal order so callers get a
// deterministic sample.
func Tiles(encoded string, resolution int) ([]string, error) {
	if strings.TrimSpace(encoded) == "" {
		return nil, errors.New("empty polyline")
	}

	coords, rest, err := polyline.DecodeCoords([]byte(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode polyline: %w", err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("decode polyline: %d trailing bytes", len(rest))
	}
	if len(coords) == 0 {
		return nil, errors.New("polyline decoded to no points")
	}

	seen := make(map[string]struct{}, len(coords))
	cells := make([]string, 0, len(coords))
	for _, c := range coords {
		cell := h3.LatLngToCell(h3.NewLatLng(c[0], c[1]), resolution)
		id := cell.String()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		cells = append(cells, id)
	}
	return cells, nil
}
