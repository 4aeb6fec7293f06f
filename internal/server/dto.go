package server

import (
	"encoding/json"

	"stepline/internal/domain"
)

type StepStatusResponse struct {
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
	Description      string `json:"description,omitempty"`
}

type OnboardRequest struct {
	Args map[string]any `json:"args,omitempty"`
}

type ProgressResponse struct {
	EntityID    string `json:"entity_id"`
	AllComplete bool   `json:"all_complete"`
	Completed   int    `json:"completed"`
	Skipped     int    `json:"skipped"`
	Pending     int    `json:"pending"`
	Outdated    int    `json:"outdated"`
	Total       int    `json:"total"`
}

type EventResponse struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts"`
	Type     string         `json:"type"`
	EntityID string         `json:"entity_id,omitempty"`
	StepID   string         `json:"step_id,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

func statusResponse(st domain.Status, description string) StepStatusResponse {
	return StepStatusResponse{
		StepID:           st.StepID,
		Version:          st.Version,
		Required:         st.Required,
		OptIn:            st.OptIn,
		State:            st.State,
		Completed:        st.Completed,
		Skipped:          st.Skipped,
		Outdated:         st.Outdated,
		Visible:          st.Visible,
		CompletedVersion: st.CompletedVersion,
		CompletedAt:      st.CompletedAt,
		SkippedAt:        st.SkippedAt,
		Description:      description,
	}
}

func progressResponse(p domain.Progress) ProgressResponse {
	return ProgressResponse{
		EntityID:    p.EntityID,
		AllComplete: p.AllComplete,
		Completed:   p.Completed,
		Skipped:     p.Skipped,
		Pending:     p.Pending,
		Outdated:    p.Outdated,
		Total:       p.Total,
	}
}

func eventResponse(e domain.Event) EventResponse {
	var payload map[string]any
	_ = json.Unmarshal([]byte(e.Payload), &payload)
	return EventResponse{
		ID:       e.ID,
		TS:       e.TS,
		Type:     e.Type,
		EntityID: e.EntityID,
		StepID:   e.StepID,
		Payload:  payload,
	}
}
