package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertType represents the type of alert
type AlertType string

const (
	AlertTypeRecurringFailure AlertType = "recurring_failure"
)

const (
	AlertStreamName = "ALERTS"
	AlertSubjects   = "alert.>"
)

// Alert represents an alert event
type Alert struct {
	ID        string                 `json:"id"`
	Type      AlertType              `json:"type"`
	Severity  AlertSeverity          `json:"severity"`
	Message   string                 `json:"message"`
	OwnerID   string                 `json:"owner_id"`
	ChainID   string                 `json:"chain_id"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Subject returns the subject the alert is published on
func (a *Alert) Subject() string {
	return "alert." + string(a.Type)
}
