package model

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind identifies an entity type. Each kind has its own local table and its
// own remote endpoint.
type Kind string

const (
	KindPlant       Kind = "plant"
	KindObservation Kind = "observation"
	KindUserProfile Kind = "user_profile"
)

// Kinds lists every entity type in sync order.
var Kinds = []Kind{KindPlant, KindObservation, KindUserProfile}

func (k Kind) String() string { return string(k) }

// ParseKind accepts the singular and plural spellings used on the command
// line ("plant", "plants", "profile", ...).
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "plant", "plants":
		return KindPlant, nil
	case "observation", "observations", "obs":
		return KindObservation, nil
	case "user_profile", "profile", "user", "me":
		return KindUserProfile, nil
	default:
		return "", fmt.Errorf("unknown entity kind %q (want plant, observation or profile)", s)
	}
}

// FieldType is the wire type of a field value.
type FieldType int

const (
	TypeString FieldType = iota
	TypeInt
	TypeDate // YYYY-MM-DD
	TypeTime // HH:MM:SS
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04:05"
)

// Field describes a single domain field of a kind.
type Field struct {
	Name     string
	Type     FieldType
	Required bool

	// ReadOnly fields are accepted from the server but never sent.
	ReadOnly bool

	// NestedKey names a response object whose "id" carries the value, for
	// relations the server expands (observation.related_plant).
	NestedKey string
}

// Schema is the wire contract of a kind's remote endpoint.
type Schema struct {
	Kind Kind

	// Path is the collection path relative to the API base URL.
	Path string

	// Singleton endpoints address one record without an id (the profile).
	Singleton bool

	// UpdateMethod is the HTTP method used for updates.
	UpdateMethod string

	// FullReplace schemas resend every editable field on update.
	FullReplace bool

	// MediaField is the form field that carries the record's image.
	MediaField string

	Fields []Field
}

var schemas = map[Kind]Schema{
	KindPlant: {
		Kind:         KindPlant,
		Path:         "api/plants/",
		UpdateMethod: http.MethodPut,
		MediaField:   "plant_image",
		Fields: []Field{
			{Name: "common_name", Required: true},
			{Name: "scientific_name", Required: true},
			{Name: "habitat", Required: true},
			{Name: "origin"},
			{Name: "description"},
			{Name: "created_by", Type: TypeInt, ReadOnly: true},
		},
	},
	KindObservation: {
		Kind:         KindObservation,
		Path:         "api/observations/",
		UpdateMethod: http.MethodPut,
		MediaField:   "observation_image",
		Fields: []Field{
			{Name: "related_plant_id", Type: TypeInt, NestedKey: "related_plant"},
			{Name: "date", Type: TypeDate, Required: true},
			{Name: "time", Type: TypeTime, Required: true},
			{Name: "location", Required: true},
			{Name: "note"},
			{Name: "created_by", Type: TypeInt, ReadOnly: true},
		},
	},
	KindUserProfile: {
		Kind:         KindUserProfile,
		Path:         "account/api/profile/",
		Singleton:    true,
		UpdateMethod: http.MethodPatch,
		FullReplace:  true,
		MediaField:   "profile_image",
		Fields: []Field{
			{Name: "first_name"},
			{Name: "last_name"},
			{Name: "birthdate", Type: TypeDate},
			{Name: "gender"},
			{Name: "phone_number"},
			{Name: "email", ReadOnly: true},
		},
	},
}

// SchemaFor returns the schema of kind k. It panics on an unknown kind, which
// is a programming error.
func SchemaFor(k Kind) Schema {
	s, ok := schemas[k]
	if !ok {
		panic(fmt.Sprintf("model: no schema for kind %q", k))
	}
	return s
}

// Lookup returns the field definition with the given name.
func (s Schema) Lookup(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Editable returns the fields a client may send.
func (s Schema) Editable() []Field {
	out := make([]Field, 0, len(s.Fields))
	for _, f := range s.Fields {
		if !f.ReadOnly {
			out = append(out, f)
		}
	}
	return out
}

// FieldError is a caller-correctable validation failure detected before a
// record is stored.
type FieldError struct {
	Kind   Kind
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s %s", e.Kind, e.Field, e.Reason)
}

// Validate checks a field map written by the user. Empty values count as
// absent.
func (s Schema) Validate(fields map[string]string) error {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f, ok := s.Lookup(name)
		if !ok {
			return &FieldError{Kind: s.Kind, Field: name, Reason: "is not a known field"}
		}
		if f.ReadOnly {
			return &FieldError{Kind: s.Kind, Field: name, Reason: "is read-only"}
		}
		if v := fields[name]; v != "" {
			if err := checkValue(f, v); err != nil {
				return &FieldError{Kind: s.Kind, Field: name, Reason: err.Error()}
			}
		}
	}

	for _, f := range s.Fields {
		if f.Required && strings.TrimSpace(fields[f.Name]) == "" {
			return &FieldError{Kind: s.Kind, Field: f.Name, Reason: "is required"}
		}
	}
	return nil
}

func checkValue(f Field, v string) error {
	switch f.Type {
	case TypeInt:
		if _, err := strconv.ParseInt(v, 10, 64); err != nil {
			return fmt.Errorf("must be an integer, got %q", v)
		}
	case TypeDate:
		if _, err := time.Parse(dateLayout, v); err != nil {
			return fmt.Errorf("must be a YYYY-MM-DD date, got %q", v)
		}
	case TypeTime:
		if _, err := time.Parse(timeLayout, v); err != nil {
			return fmt.Errorf("must be an HH:MM:SS time, got %q", v)
		}
	}
	return nil
}
