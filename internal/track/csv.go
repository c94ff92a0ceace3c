package track

import (
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"github.com/railguard-data/railguard/internal/geo"
)

// ParseCSV extracts a vertex sequence from uploaded CSV text. The header
// row must name a latitude and a longitude column; malformed data rows
// are skipped silently. Returns ErrInvalidTrack when fewer than two
// vertices survive.
func ParseCSV(text string) ([]geo.Point, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1 // ragged rows are handled per-row below
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrInvalidTrack
	}

	latCol, lonCol, err := findCoordinateColumns(records[0])
	if err != nil {
		return nil, err
	}

	var points []geo.Point
	for _, row := range records[1:] {
		if latCol >= len(row) || lonCol >= len(row) {
			continue
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(row[latCol]), 64)
		if err != nil {
			continue
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(row[lonCol]), 64)
		if err != nil {
			continue
		}
		if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			continue
		}
		points = append(points, geo.Point{Latitude: lat, Longitude: lon})
	}

	if len(points) < 2 {
		return nil, ErrInvalidTrack
	}
	return points, nil
}

// findCoordinateColumns locates the latitude and longitude columns in the
// header row. Accepts the column spellings seen in field recordings.
func findCoordinateColumns(header []string) (latCol, lonCol int, err error) {
	latCol, lonCol = -1, -1
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "lat", "latitude":
			if latCol == -1 {
				latCol = i
			}
		case "lon", "lng", "long", "longitude":
			if lonCol == -1 {
				lonCol = i
			}
		}
	}
	if latCol == -1 || lonCol == -1 {
		return 0, 0, fmt.Errorf("%w: header must contain lat and lon columns", ErrInvalidTrack)
	}
	return latCol, lonCol, nil
}
