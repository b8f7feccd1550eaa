package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/smukkama/epidemic-metrics/internal/recalc"
)

type errorDump struct {
	State       recalc.State           `json:"state"`
	Transaction string                 `json:"transaction,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	FinishedAt  time.Time              `json:"finished_at"`
	Records     []recalc.DetailedError `json:"record_errors"`
	Locations   []recalc.DetailedError `json:"location_errors"`
	Warnings    int                    `json:"warnings"`
}

// writeDump stores the errors of a run as JSON in dir and returns the file path.
func writeDump(dir string, res *recalc.RunResult) (string, error) {
	dump := errorDump{
		State:       res.State,
		Transaction: res.Tx.Name,
		StartedAt:   res.StartedAt,
		FinishedAt:  res.FinishedAt,
		Records:     []recalc.DetailedError{},
		Locations:   []recalc.DetailedError{},
	}
	if res.Series != nil {
		dump.Records = append(dump.Records, res.Series.Errors...)
		dump.Warnings += len(res.Series.Warnings)
	}
	if res.Hierarchy != nil {
		dump.Locations = append(dump.Locations, res.Hierarchy.Errors...)
		dump.Warnings += len(res.Hierarchy.Warnings)
	}

	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode error dump: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create dump dir: %w", err)
	}
	name := fmt.Sprintf("recalculation-errors-%s.json", res.StartedAt.UTC().Format("20060102T150405Z"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write error dump: %w", err)
	}
	return path, nil
}

// parseIDs parses a comma-separated list of location ids.
func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid location id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// parseSince parses a YYYY-MM-DD date; an empty string means no lower bound.
func parseSince(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, fmt.Errorf("invalid -since %q: %w", s, err)
	}
	return &t, nil
}
