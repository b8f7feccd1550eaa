package aggregation

import (
	"strings"
	"time"

	"github.com/smukkama/epidemic-metrics/internal/database"
)

// completenessFields must all be present for a location to count as complete.
var completenessFields = []string{
	"geo_id",
	"country_code",
	"continent",
	"location",
	"population",
	"population_density",
	"median_age",
	"aged_65_older",
	"aged_70_older",
	"life_expectancy",
	"human_development_index",
}

// presence reports whether a named column holds a non-empty value.
// Names without an entry are treated as missing.
var presence = map[string]func(*database.Location) bool{
	"geo_id":                  func(l *database.Location) bool { return nonEmpty(l.GeoID) },
	"country_code":            func(l *database.Location) bool { return nonEmpty(l.CountryCode) },
	"continent":               func(l *database.Location) bool { return nonEmpty(l.Continent) },
	"location":                func(l *database.Location) bool { return strings.TrimSpace(l.Name) != "" },
	"population":              func(l *database.Location) bool { return l.Population != 0 },
	"population_density":      func(l *database.Location) bool { return l.PopulationDensity != 0 },
	"median_age":              func(l *database.Location) bool { return nonZero(l.MedianAge) },
	"aged_65_older":           func(l *database.Location) bool { return nonZero(l.Aged65Older) },
	"aged_70_older":           func(l *database.Location) bool { return nonZero(l.Aged70Older) },
	"life_expectancy":         func(l *database.Location) bool { return nonZero(l.LifeExpectancy) },
	"human_development_index": func(l *database.Location) bool { return nonZero(l.HumanDevelopmentIndex) },
}

func nonEmpty(s *string) bool {
	return s != nil && strings.TrimSpace(*s) != ""
}

func nonZero(f *float64) bool {
	return f != nil && *f != 0
}

// MissingFields lists the completeness fields loc lacks, in declaration order.
func MissingFields(loc *database.Location) []string {
	var missing []string
	for _, name := range completenessFields {
		check, ok := presence[name]
		if !ok || !check(loc) {
			missing = append(missing, name)
		}
	}
	return missing
}

// AutosetDataIncompleteFlag updates flag_data_incomplete and reports whether it changed.
// The timestamp is written when a complete location becomes incomplete.
func AutosetDataIncompleteFlag(loc *database.Location, now time.Time) bool {
	incomplete := len(MissingFields(loc)) > 0
	if incomplete == loc.FlagDataIncomplete {
		return false
	}

	loc.FlagDataIncomplete = incomplete
	if incomplete {
		ts := now.UTC()
		loc.TimestampDataIncomplete = &ts
	}
	return true
}

// AutosetNoLongerUpdatedFlag flags locations whose last dataset is more than a day old.
// A missing or future timestamp counts as up to date.
func AutosetNoLongerUpdatedFlag(loc *database.Location, now time.Time) bool {
	stale := false
	if last := loc.TimestampLastDataset; last != nil && !last.After(now) {
		stale = now.Sub(*last) > 24*time.Hour
	}
	if stale == loc.FlagNoLongerUpdated {
		return false
	}
	loc.FlagNoLongerUpdated = stale
	return true
}

// SetVirusFree moves the virus-free flag to free and stamps the transition.
// It does nothing when the flag already has that value.
func SetVirusFree(loc *database.Location, free bool, now time.Time) bool {
	if loc.FlagVirusFree == free {
		return false
	}

	ts := now.UTC()
	loc.FlagVirusFree = free
	if free {
		loc.TimestampVirusFree = &ts
	} else {
		loc.TimestampVirusBack = &ts
	}
	return true
}
