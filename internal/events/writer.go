package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine.
const (
	ModuleStarted   = "module.started"
	ResponseSaved   = "response.saved"
	ModuleCompleted = "module.completed"
	RunCreated      = "run.created"
	RunArchived     = "run.archived"
	RunActivated    = "run.activated"
	RunRelabeled    = "run.relabeled"
	RunDeleted      = "run.deleted"
	ConfigImported  = "questionnaire.imported"
)

// Scope locates an event.
type Scope struct {
	SubjectID  string
	ModuleID   string
	EntityKind string
	EntityID   string
	ActorID    string
}

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside tx so it commits or rolls back with the
// change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, scope Scope, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	actor := scope.ActorID
	if actor == "" {
		actor = "local-user"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,subject_id,module_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		ts, evtType, nullable(scope.SubjectID), nullable(scope.ModuleID), scope.EntityKind, nullable(scope.EntityID), actor, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
