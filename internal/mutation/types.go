package mutation

import (
	"fmt"
	"strconv"
	"time"

	"github.com/roach88/casesync/internal/payload"
)

// EntityType identifies which domain entity kind a mutation targets.
type EntityType int

const (
	EntityReport EntityType = iota + 1
	EntityRespondent
	EntityEvidence
	EntityHearing
	EntityForm
)

// EntityTypes lists every valid entity type in declaration order.
var EntityTypes = []EntityType{EntityReport, EntityRespondent, EntityEvidence, EntityHearing, EntityForm}

// String returns the persisted name of the entity type.
func (t EntityType) String() string {
	switch t {
	case EntityReport:
		return "Report"
	case EntityRespondent:
		return "Respondent"
	case EntityEvidence:
		return "Evidence"
	case EntityHearing:
		return "Hearing"
	case EntityForm:
		return "Form"
	default:
		return fmt.Sprintf("EntityType(%d)", int(t))
	}
}

// Collection returns the REST collection name for the entity type.
func (t EntityType) Collection() string {
	switch t {
	case EntityReport:
		return "reports"
	case EntityRespondent:
		return "respondents"
	case EntityEvidence:
		return "evidence"
	case EntityHearing:
		return "hearings"
	case EntityForm:
		return "forms"
	default:
		return ""
	}
}

// MarshalText renders the entity type by name.
func (t EntityType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid entity type %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText parses an entity type name.
func (t *EntityType) UnmarshalText(text []byte) error {
	parsed, err := ParseEntityType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Valid reports whether t is one of the declared entity types.
func (t EntityType) Valid() bool {
	return t >= EntityReport && t <= EntityForm
}

// ParseEntityType converts a persisted name back to an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	for _, t := range EntityTypes {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown entity type %q", s)
}

// Action is the kind of change a mutation represents.
type Action int

const (
	ActionCreate Action = iota + 1
	ActionUpdate
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "Create"
	case ActionUpdate:
		return "Update"
	case ActionDelete:
		return "Delete"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Valid reports whether a is one of the declared actions.
func (a Action) Valid() bool {
	return a >= ActionCreate && a <= ActionDelete
}

// ParseAction converts a persisted name back to an Action.
func ParseAction(s string) (Action, error) {
	switch s {
	case "Create":
		return ActionCreate, nil
	case "Update":
		return ActionUpdate, nil
	case "Delete":
		return ActionDelete, nil
	default:
		return 0, fmt.Errorf("unknown action %q", s)
	}
}

// State is the lifecycle state of a record.
//
//	Pending -> InFlight -> Completed (purged)
//	                    -> Pending (rescheduled with backoff)
//	                    -> DeadLettered (retry ceiling or permanent failure)
type State int

const (
	StatePending State = iota + 1
	StateInFlight
	StateCompleted
	StateDeadLettered
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateInFlight:
		return "InFlight"
	case StateCompleted:
		return "Completed"
	case StateDeadLettered:
		return "DeadLettered"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ParseState converts a persisted name back to a State.
func ParseState(s string) (State, error) {
	switch s {
	case "Pending":
		return StatePending, nil
	case "InFlight":
		return StateInFlight, nil
	case "Completed":
		return StateCompleted, nil
	case "DeadLettered":
		return StateDeadLettered, nil
	default:
		return 0, fmt.Errorf("unknown state %q", s)
	}
}

// EntityRef identifies one local entity.
type EntityRef struct {
	Type    EntityType `json:"type"`
	LocalID int64      `json:"local_id"`
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s#%d", r.Type, r.LocalID)
}

// Validate checks that the reference names a known type and a positive id.
func (r EntityRef) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("invalid entity type %d", int(r.Type))
	}
	if r.LocalID <= 0 {
		return fmt.Errorf("%s: local id must be positive", r.Type)
	}
	return nil
}

// RefFromPayload converts a payload reference to an EntityRef.
func RefFromPayload(r payload.Ref) (EntityRef, error) {
	t, err := ParseEntityType(r.Type)
	if err != nil {
		return EntityRef{}, err
	}
	ref := EntityRef{Type: t, LocalID: r.LocalID}
	return ref, ref.Validate()
}

// PayloadRef converts the reference to its payload form.
func (r EntityRef) PayloadRef() payload.Ref {
	return payload.Ref{Type: r.Type.String(), LocalID: r.LocalID}
}

// ParseEntityRef parses "Type:localID" (e.g. "Report:1").
func ParseEntityRef(s string) (EntityRef, error) {
	var typ string
	var id int64
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' || s[i] == '#' {
			typ = s[:i]
			n, err := strconv.ParseInt(s[i+1:], 10, 64)
			if err != nil {
				return EntityRef{}, fmt.Errorf("invalid entity ref %q: %w", s, err)
			}
			id = n
			break
		}
	}
	if typ == "" {
		return EntityRef{}, fmt.Errorf("invalid entity ref %q: expected Type:localID", s)
	}
	t, err := ParseEntityType(typ)
	if err != nil {
		return EntityRef{}, err
	}
	ref := EntityRef{Type: t, LocalID: id}
	return ref, ref.Validate()
}

// Draft is a mutation about to be appended to the log.
// ID, state and retry bookkeeping are assigned by the log.
type Draft struct {
	Entity    EntityRef
	Action    Action
	Payload   payload.Object
	DependsOn *EntityRef
}

// Validate checks the draft before it is persisted.
func (d Draft) Validate() error {
	if err := d.Entity.Validate(); err != nil {
		return fmt.Errorf("entity: %w", err)
	}
	if !d.Action.Valid() {
		return fmt.Errorf("invalid action %d", int(d.Action))
	}
	if d.Action != ActionDelete && d.Payload == nil {
		return fmt.Errorf("%s %s: payload is required", d.Action, d.Entity)
	}
	if d.DependsOn != nil {
		if err := d.DependsOn.Validate(); err != nil {
			return fmt.Errorf("depends on: %w", err)
		}
		if *d.DependsOn == d.Entity {
			return fmt.Errorf("%s cannot depend on itself", d.Entity)
		}
	}
	for _, r := range d.Payload.Refs() {
		if _, err := RefFromPayload(r); err != nil {
			return fmt.Errorf("payload reference %s: %w", r, err)
		}
	}
	return nil
}

// Record is one durable pending change destined for the remote store.
type Record struct {
	ID             int64
	EntityType     EntityType
	EntityLocalID  int64
	EntityRemoteID string
	Action         Action
	Payload        payload.Object
	DependsOn      *EntityRef
	IdempotencyKey string
	CreatedAt      time.Time
	AttemptCount   int
	LastError      string
	NextAttemptAt  time.Time
	State          State
}

// Entity returns the reference to the entity this record mutates.
func (r Record) Entity() EntityRef {
	return EntityRef{Type: r.EntityType, LocalID: r.EntityLocalID}
}

// View is the JSON-friendly projection of a Record used by the CLI and the
// status API. Enums are rendered by name.
type View struct {
	ID             int64          `json:"id"`
	EntityType     string         `json:"entity_type"`
	EntityLocalID  int64          `json:"entity_local_id"`
	EntityRemoteID string         `json:"entity_remote_id,omitempty"`
	Action         string         `json:"action"`
	Payload        payload.Object `json:"payload"`
	DependsOn      string         `json:"depends_on,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	CreatedAt      time.Time      `json:"created_at"`
	AttemptCount   int            `json:"attempt_count"`
	LastError      string         `json:"last_error,omitempty"`
	NextAttemptAt  time.Time      `json:"next_attempt_at"`
	State          string         `json:"state"`
}

// View projects the record for display.
func (r Record) View() View {
	v := View{
		ID:             r.ID,
		EntityType:     r.EntityType.String(),
		EntityLocalID:  r.EntityLocalID,
		EntityRemoteID: r.EntityRemoteID,
		Action:         r.Action.String(),
		Payload:        r.Payload,
		IdempotencyKey: r.IdempotencyKey,
		CreatedAt:      r.CreatedAt,
		AttemptCount:   r.AttemptCount,
		LastError:      r.LastError,
		NextAttemptAt:  r.NextAttemptAt,
		State:          r.State.String(),
	}
	if r.DependsOn != nil {
		v.DependsOn = r.DependsOn.String()
	}
	return v
}
