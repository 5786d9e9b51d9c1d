// Package records stores the clinical records whose mutations are audited:
// patients, genes, medicines, reports, prescriptions, metabolizer details and
// treatment cases. Records are flat JSON documents keyed by their natural id
// and are soft deleted. Variation analysis notes live here too but are not
// audited.
package records

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/genecura/go-audit/internal/audit"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	ErrInvalid       = errors.New("invalid record")
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{2,64}$`)

// Fields managed by the repository. Clients cannot set them.
const (
	FieldActive    = "isActive"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
)

var statusLabels = []string{"poor", "normal", "rapid", "ultra-rapid"}

var enumFields = map[audit.EntityType]map[string][]string{
	audit.EntityGene:              {"metabolizer_status": statusLabels},
	audit.EntityMetabolizerDetail: {"status_label": statusLabels},
}

// Some collections mint their own keys when the client omits one.
var keyPrefixes = map[audit.EntityType]string{
	audit.EntityMetabolizerDetail: "MET",
	audit.EntityPrescription:      "PRESC",
	audit.EntityReport:            "RPT",
	audit.EntityTreatmentCase:     "CASE",
}

// Record is one stored document.
type Record struct {
	Collection audit.EntityType
	Key        string
	Fields     map[string]any
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Snapshot is the flat document clients see and the audit trail stores.
func (r *Record) Snapshot() map[string]any {
	out := cloneFields(r.Fields)
	if out == nil {
		out = make(map[string]any, 4)
	}
	out[r.Collection.KeyField()] = r.Key
	out[FieldActive] = r.Active
	out[FieldCreatedAt] = r.CreatedAt
	out[FieldUpdatedAt] = r.UpdatedAt
	return out
}

func (r *Record) clone() *Record {
	c := *r
	c.Fields = cloneFields(r.Fields)
	if c.Fields == nil {
		c.Fields = map[string]any{}
	}
	return &c
}

// New builds an active record of collection from client fields. The key is
// taken from the collection's key field, or minted for collections that do so.
func New(collection audit.EntityType, fields map[string]any, now time.Time) (*Record, error) {
	if !collection.Valid() {
		return nil, fmt.Errorf("%w: unknown collection %q", ErrInvalid, collection)
	}
	clean := sanitize(fields)

	key, _ := clean[collection.KeyField()].(string)
	delete(clean, collection.KeyField())
	if key == "" {
		prefix, ok := keyPrefixes[collection]
		if !ok {
			return nil, fmt.Errorf("%w: %s is required", ErrInvalid, collection.KeyField())
		}
		key = mintKey(prefix, now)
	}
	if !keyPattern.MatchString(key) {
		return nil, fmt.Errorf("%w: %s %q is malformed", ErrInvalid, collection.KeyField(), key)
	}
	if err := validateFields(collection, clean); err != nil {
		return nil, err
	}

	now = now.UTC()
	return &Record{
		Collection: collection,
		Key:        key,
		Fields:     clean,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Patch validates an update and strips the fields a client may not change.
func Patch(collection audit.EntityType, fields map[string]any) (map[string]any, error) {
	clean := sanitize(fields)
	delete(clean, collection.KeyField())
	if len(clean) == 0 {
		return nil, fmt.Errorf("%w: no fields to update", ErrInvalid)
	}
	if err := validateFields(collection, clean); err != nil {
		return nil, err
	}
	return clean, nil
}

func sanitize(fields map[string]any) map[string]any {
	clean := cloneFields(fields)
	if clean == nil {
		clean = map[string]any{}
	}
	delete(clean, FieldActive)
	delete(clean, FieldCreatedAt)
	delete(clean, FieldUpdatedAt)
	return clean
}

func validateFields(collection audit.EntityType, fields map[string]any) error {
	for field, allowed := range enumFields[collection] {
		v, ok := fields[field]
		if !ok {
			continue
		}
		s, _ := v.(string)
		if !slices.Contains(allowed, s) {
			return fmt.Errorf("%w: %s must be one of %s", ErrInvalid, field, strings.Join(allowed, ", "))
		}
	}
	return nil
}

// cloneFields deep-copies a decoded JSON document. Stored records never share
// nested objects or arrays with callers.
func cloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneFields(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}

func mintKey(prefix string, now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:5])
	return prefix + strconv.FormatInt(now.UnixMilli(), 10) + suffix
}

// ListOptions filters and pages a collection listing.
type ListOptions struct {
	Search string
	Equals map[string]string
	Limit  int
	Offset int
}

func (o ListOptions) normalized() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 10
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
