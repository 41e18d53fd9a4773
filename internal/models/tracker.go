package models

import "fmt"

// TrackerType names one class of change a tracker follows.
type TrackerType string

const (
	TrackerMetadata TrackerType = "metadata"
	TrackerAcl      TrackerType = "acl"
	TrackerContent  TrackerType = "content"
	TrackerCascade  TrackerType = "cascade"
	TrackerModel    TrackerType = "model"
)

// AllTrackerTypes lists every tracker type in scheduling order.
var AllTrackerTypes = []TrackerType{
	TrackerModel,
	TrackerAcl,
	TrackerMetadata,
	TrackerCascade,
	TrackerContent,
}

// ParseTrackerType validates a tracker type name.
func ParseTrackerType(s string) (TrackerType, error) {
	for _, t := range AllTrackerTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown tracker type %q", s)
}

// TrackerFloor is the last id a tracker has fully applied and committed.
type TrackerFloor struct {
	Core          string      `json:"core"`
	Type          TrackerType `json:"type"`
	LastAppliedID int64       `json:"last_applied_id"`
}
