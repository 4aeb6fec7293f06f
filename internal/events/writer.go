package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the engine.
const (
	TypeCompleted           = "onboarding.completed"
	TypeSkipped             = "onboarding.skipped"
	TypeReset               = "onboarding.reset"
	TypeAllRequiredComplete = "onboarding.all_required_complete"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside the caller's transaction so the log and the
// record mutation commit or roll back together.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityID, stepID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_id,step_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, nullable(entityID), nullable(stepID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
