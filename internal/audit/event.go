// Package audit records immutable before/after snapshots of record mutations
// and projects them back into per-entity timelines.
//
// Events are append-only. Nothing in this package updates or deletes a stored
// event; a correction is a new event.
package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EntityType is the closed set of record kinds that carry an audit trail.
type EntityType string

const (
	EntityPatient           EntityType = "Patient"
	EntityGene              EntityType = "Gene"
	EntityMedicine          EntityType = "Medicine"
	EntityReport            EntityType = "Report"
	EntityPrescription      EntityType = "Prescription"
	EntityMetabolizerDetail EntityType = "MetabolizerDetail"
	EntityTreatmentCase     EntityType = "TreatmentCase"
)

var entityKeyFields = map[EntityType]string{
	EntityPatient:           "patient_id",
	EntityGene:              "gene_id",
	EntityMedicine:          "medicine_id",
	EntityReport:            "report_id",
	EntityPrescription:      "prescription_id",
	EntityMetabolizerDetail: "metabolizer_id",
	EntityTreatmentCase:     "case_id",
}

// EntityTypes returns every known entity type in a stable order.
func EntityTypes() []EntityType {
	return []EntityType{
		EntityPatient,
		EntityGene,
		EntityMedicine,
		EntityReport,
		EntityPrescription,
		EntityMetabolizerDetail,
		EntityTreatmentCase,
	}
}

// Valid reports whether e is one of the known entity types.
func (e EntityType) Valid() bool {
	_, ok := entityKeyFields[e]
	return ok
}

// KeyField is the name of the natural identifier field in a record payload,
// e.g. "gene_id" for genes.
func (e EntityType) KeyField() string {
	return entityKeyFields[e]
}

// ParseEntityType resolves s case-insensitively against the known types.
func ParseEntityType(s string) (EntityType, error) {
	for _, et := range EntityTypes() {
		if strings.EqualFold(string(et), s) {
			return et, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEntityType, s)
}

// Action is the closed set of mutation kinds.
type Action string

const (
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionApprove, ActionReject:
		return true
	}
	return false
}

// ActorRole is the closed set of roles that can author a mutation.
type ActorRole string

const (
	RoleDoctor         ActorRole = "doctor"
	RoleGeneticist     ActorRole = "geneticist"
	RolePharmacologist ActorRole = "pharmacologist"
	RoleAdmin          ActorRole = "admin"
)

// ActorRoles returns every known role.
func ActorRoles() []ActorRole {
	return []ActorRole{RoleDoctor, RoleGeneticist, RolePharmacologist, RoleAdmin}
}

func (r ActorRole) Valid() bool {
	switch r {
	case RoleDoctor, RoleGeneticist, RolePharmacologist, RoleAdmin:
		return true
	}
	return false
}

// Actor identifies who performed a mutation.
type Actor struct {
	Role ActorRole `json:"role"`
	ID   string    `json:"id"`
}

// Input is everything the recorder needs to append one event.
// A nil Before or After means the snapshot is absent.
type Input struct {
	EntityType    EntityType
	EntityID      string
	Actor         Actor
	Action        Action
	Before        json.RawMessage
	After         json.RawMessage
	CorrelationID *string

	// EventID and ObservedAt are stamped when the mutation is seen to succeed.
	// The recorder fills whichever is still zero.
	EventID    string
	ObservedAt time.Time
}

// Validate checks the closed enums and required identifiers.
func (in Input) Validate() error {
	switch {
	case !in.EntityType.Valid():
		return invalid("entityType", fmt.Sprintf("unknown entity type %q", in.EntityType))
	case strings.TrimSpace(in.EntityID) == "":
		return invalid("entityId", "must not be empty")
	case !in.Action.Valid():
		return invalid("action", fmt.Sprintf("unknown action %q", in.Action))
	case !in.Actor.Role.Valid():
		return invalid("actorRole", fmt.Sprintf("unknown actor role %q", in.Actor.Role))
	case strings.TrimSpace(in.Actor.ID) == "":
		return invalid("actorId", "must not be empty")
	}
	return nil
}

// pairingViolation names the snapshot that contradicts the action, if any.
func (in Input) pairingViolation() string {
	switch {
	case in.Action == ActionCreate && !isNull(in.Before):
		return "before"
	case in.Action == ActionDelete && !isNull(in.After):
		return "after"
	}
	return ""
}

// Event is one immutable audit record.
type Event struct {
	ID            string          `json:"id"`
	EntityType    EntityType      `json:"entityType"`
	EntityID      string          `json:"entityId"`
	ActorRole     ActorRole       `json:"actorRole"`
	ActorID       string          `json:"actorId"`
	Action        Action          `json:"action"`
	Before        json.RawMessage `json:"before"`
	After         json.RawMessage `json:"after"`
	CorrelationID *string         `json:"correlationId"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Actor returns the event author.
func (e *Event) Actor() Actor {
	return Actor{Role: e.ActorRole, ID: e.ActorID}
}

// Snapshot marshals v into a raw JSON snapshot. A nil v yields a nil snapshot.
func Snapshot(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return normalize(raw), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return normalize(b), nil
}

// normalize maps a literal JSON null to an absent snapshot.
func normalize(raw json.RawMessage) json.RawMessage {
	if isNull(raw) {
		return nil
	}
	return raw
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
