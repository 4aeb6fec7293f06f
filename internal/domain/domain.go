package domain

// Persisted record states. Pending and outdated are derived, never stored.
const (
	StateCompleted = "completed"
	StateSkipped   = "skipped"
	StatePending   = "pending"
	StateOutdated  = "outdated"
)

// Record is the single persisted fact per (entity, step) pair.
// CompletedAt and SkippedAt are tracked independently: a record moving
// completed -> skipped keeps its completion timestamp, and vice versa.
type Record struct {
	EntityID    string `json:"entity_id"`
	StepID      string `json:"step_id"`
	Version     int    `json:"version"`
	State       string `json:"state" enum:"completed,skipped"`
	CompletedAt *int64 `json:"completed_at,omitempty"`
	SkippedAt   *int64 `json:"skipped_at,omitempty"`
}

// Status is the derived per-step view, computed fresh on every read.
type Status struct {
	StepID           string `json:"step_id"`
	Version          int    `json:"version"`
	Required         bool   `json:"required"`
	OptIn            bool   `json:"opt_in"`
	State            string `json:"state" enum:"pending,completed,skipped,outdated"`
	Completed        bool   `json:"completed"`
	Skipped          bool   `json:"skipped"`
	Outdated         bool   `json:"outdated"`
	Visible          bool   `json:"visible"`
	CompletedVersion *int   `json:"completed_version,omitempty"`
	CompletedAt      *int64 `json:"completed_at,omitempty"`
	SkippedAt        *int64 `json:"skipped_at,omitempty"`
}

// Progress summarizes an entity's position in the catalog.
type Progress struct {
	EntityID    string `json:"entity_id"`
	AllComplete bool   `json:"all_complete"`
	Completed   int    `json:"completed"`
	Skipped     int    `json:"skipped"`
	Pending     int    `json:"pending"`
	Outdated    int    `json:"outdated"`
	Total       int    `json:"total"`
}

type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	EntityID string `json:"entity_id,omitempty"`
	StepID   string `json:"step_id,omitempty"`
	Payload  string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	EntityID  string `json:"entity_id"`
	Name      string `json:"name,omitempty"`
	Admin     bool   `json:"admin"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
