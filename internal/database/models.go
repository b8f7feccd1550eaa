package database

import (
	"time"
)

// LocationType is the level of a node in the location hierarchy.
type LocationType string

const (
	LocationTypeContinent LocationType = "continent"
	LocationTypeCountry   LocationType = "country"
	LocationTypeState     LocationType = "state"
	LocationTypeDistrict  LocationType = "district"
	LocationTypeLocation  LocationType = "location"
)

// hierarchy lists location types from the top level down.
var hierarchy = []LocationType{
	LocationTypeContinent,
	LocationTypeCountry,
	LocationTypeState,
	LocationTypeDistrict,
	LocationTypeLocation,
}

// Level returns the depth of the type in the hierarchy (continent = 0), or -1 if unknown.
func (t LocationType) Level() int {
	for i, h := range hierarchy {
		if h == t {
			return i
		}
	}
	return -1
}

// ChildType returns the type one level below t. ok is false for leaves and unknown types.
func (t LocationType) ChildType() (LocationType, bool) {
	lvl := t.Level()
	if lvl < 0 || lvl == len(hierarchy)-1 {
		return "", false
	}
	return hierarchy[lvl+1], true
}

func (t LocationType) IsLeaf() bool {
	return t == LocationTypeLocation
}

func (t LocationType) Valid() bool {
	return t.Level() >= 0
}

// Pointer is the direction of a day-over-day change.
type Pointer string

const (
	PointerAsc     Pointer = "asc"
	PointerDesc    Pointer = "desc"
	PointerStandby Pointer = "standby"
)

// Condition is the incidence severity class.
type Condition string

const (
	ConditionWhite   Condition = "white"
	ConditionGreen   Condition = "green"
	ConditionYellow  Condition = "yellow"
	ConditionOrange  Condition = "orange"
	ConditionRed     Condition = "red"
	ConditionDarkred Condition = "darkred"
	ConditionBlack   Condition = "black"
)

// DailyRecord is one location's figures for one calendar day.
type DailyRecord struct {
	ID             int64
	LocationID     int64
	Date           time.Time
	Cases          int64
	Deaths         int64
	PopulationUsed int64
	Deleted        bool
	Disabled       bool

	CasesAscension    *int64
	DeathsAscension   *int64
	CasesPointer      *Pointer
	DeathsPointer     *Pointer
	CasesRate         *float64
	DeathsRate        *float64
	Cases7Day         *int64
	Deaths7Day        *int64
	Cases14Day        *int64
	Deaths14Day       *int64
	Exponence1Day     *float64
	Exponence7Day     *float64
	Exponence14Day    *float64
	Incidence7Day     *float64
	Incidence14Day    *float64
	Condition7Day     *Condition
	Condition14Day    *Condition
	AlertCondition    *Condition
	Reproduction4Day  *float64
	Reproduction7Day  *float64
	Reproduction14Day *float64

	FlagCalculated      bool
	TimestampCalculated *time.Time

	// Bookkeeping maintained by the store.
	FlagUpdated bool
	UpdateCount int
}

// ClearDerived resets every calculated field so the record is recomputed from scratch.
func (r *DailyRecord) ClearDerived() {
	*r = DailyRecord{
		ID:             r.ID,
		LocationID:     r.LocationID,
		Date:           r.Date,
		Cases:          r.Cases,
		Deaths:         r.Deaths,
		PopulationUsed: r.PopulationUsed,
		Deleted:        r.Deleted,
		Disabled:       r.Disabled,
		FlagUpdated:    r.FlagUpdated,
		UpdateCount:    r.UpdateCount,
	}
}

// Location is a node of the continent → country → state → district → location tree.
type Location struct {
	ID       int64
	ParentID *int64
	Type     LocationType
	Name     string

	GeoID                 *string
	CountryCode           *string
	Continent             *string
	Population            int64
	PopulationDensity     float64
	MedianAge             *float64
	Aged65Older           *float64
	Aged70Older           *float64
	LifeExpectancy        *float64
	HumanDevelopmentIndex *float64

	ChildCount     int64
	CasesTotal     int64
	DeathsTotal    int64
	RecoveredTotal int64

	AverageCasesPerDay       float64
	AverageCasesPerWeek      float64
	AverageCasesPerMonth     float64
	AverageCasesPerYear      float64
	AverageDeathsPerDay      float64
	AverageDeathsPerWeek     float64
	AverageDeathsPerMonth    float64
	AverageDeathsPerYear     float64
	AverageRecoveredPerDay   float64
	AverageRecoveredPerWeek  float64
	AverageRecoveredPerMonth float64
	AverageRecoveredPerYear  float64

	ContaminationRuntime int64
	ContaminationValue   float64
	ContaminationTarget  *time.Time
	InfectionDensity     float64

	FlagVirusFree      bool
	TimestampVirusFree *time.Time
	TimestampVirusBack *time.Time

	FlagDataIncomplete      bool
	TimestampDataIncomplete *time.Time

	FlagNoLongerUpdated  bool
	TimestampLastDataset *time.Time

	FlagUpdated bool
	UpdateCount int
}

// RecordTotals summarizes a leaf location's own series.
type RecordTotals struct {
	Cases             int64
	Deaths            int64
	PopulationAverage float64
	Days              int64
}

// LocationStatistic is the precomputed per-subtree aggregate of positive-test records.
type LocationStatistic struct {
	LocationID     int64
	CasesTotal     int64
	CasesAvg       float64
	CasesMax       int64
	DeathsTotal    int64
	DeathsAvg      float64
	DeathsMax      int64
	RecoveredTotal int64
	RecoveredAvg   float64
	RecoveredMax   int64
	Days           int64
}

// RecordFilter selects active daily records; deleted and disabled ones are never listed.
// Zero values mean "no restriction".
type RecordFilter struct {
	LocationIDs      []int64
	Since            *time.Time
	OnlyUncalculated bool
}

// LocationFilter selects locations. Zero values mean "no restriction".
type LocationFilter struct {
	IDs      []int64
	Types    []LocationType
	ParentID *int64
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
