package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/smukkama/epidemic-metrics/internal/database"
)

// CanonicalRecord is one normalized daily report as published on the records topic.
type CanonicalRecord struct {
	LocationID     int64     `json:"location_id"`
	Date           string    `json:"date"` // YYYY-MM-DD
	Cases          int64     `json:"cases"`
	Deaths         int64     `json:"deaths"`
	PopulationUsed int64     `json:"population_used"`
	Deleted        bool      `json:"deleted,omitempty"`
	Disabled       bool      `json:"disabled,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`

	// Location metadata, used to create the location on first sight.
	LocationName string `json:"location_name,omitempty"`
	LocationType string `json:"location_type,omitempty"`
	ParentID     *int64 `json:"parent_id,omitempty"`
}

// Record converts the message into a fresh, uncalculated daily record.
func (c *CanonicalRecord) Record() (*database.DailyRecord, error) {
	if c.LocationID <= 0 {
		return nil, fmt.Errorf("%w: location_id %d", database.ErrSchemaViolation, c.LocationID)
	}
	date, err := time.Parse(time.DateOnly, c.Date)
	if err != nil {
		return nil, fmt.Errorf("%w: date %q: %v", database.ErrSchemaViolation, c.Date, err)
	}
	return &database.DailyRecord{
		LocationID:     c.LocationID,
		Date:           date,
		Cases:          c.Cases,
		Deaths:         c.Deaths,
		PopulationUsed: c.PopulationUsed,
		Deleted:        c.Deleted,
		Disabled:       c.Disabled,
	}, nil
}

// Location builds the location announced by the message, if it carries a valid type.
func (c *CanonicalRecord) Location() (*database.Location, bool) {
	t := database.LocationType(c.LocationType)
	if !t.Valid() {
		return nil, false
	}
	return &database.Location{
		ID:       c.LocationID,
		ParentID: c.ParentID,
		Type:     t,
		Name:     c.LocationName,
	}, true
}

// AlertNotification announces a change of a location's alert condition.
type AlertNotification struct {
	Type         string    `json:"type"` // INITIAL, ESCALATED, DEESCALATED
	LocationID   int64     `json:"location_id"`
	LocationName string    `json:"location_name,omitempty"`
	Date         string    `json:"date"`
	Previous     string    `json:"previous,omitempty"`
	Current      string    `json:"current"`
	DetectedAt   time.Time `json:"detected_at"`
}

const (
	AlertTypeInitial     = "INITIAL"
	AlertTypeEscalated   = "ESCALATED"
	AlertTypeDeescalated = "DEESCALATED"
)

func EncodeCanonicalRecord(msg *CanonicalRecord) ([]byte, error) {
	return json.Marshal(msg)
}

func DecodeCanonicalRecord(data []byte) (*CanonicalRecord, error) {
	var msg CanonicalRecord
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func EncodeAlertNotification(alert *AlertNotification) ([]byte, error) {
	return json.Marshal(alert)
}

func DecodeAlertNotification(data []byte) (*AlertNotification, error) {
	var alert AlertNotification
	if err := json.Unmarshal(data, &alert); err != nil {
		return nil, err
	}
	return &alert, nil
}
