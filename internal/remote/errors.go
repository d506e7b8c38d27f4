package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Sentinel errors matched by [Failure] through errors.Is. Callers should
// branch on these rather than on status codes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("remote record not found")
	ErrValidation   = errors.New("rejected by server")
	ErrNetwork      = errors.New("network error")
	ErrServer       = errors.New("server error")
)

// FailureKind classifies a failed gateway call.
type FailureKind int

const (
	Unauthorized FailureKind = iota + 1
	NotFound
	Validation
	Network
	Server
)

func (k FailureKind) String() string {
	switch k {
	case Unauthorized:
		return "unauthorized"
	case NotFound:
		return "not_found"
	case Validation:
		return "validation"
	case Network:
		return "network"
	case Server:
		return "server"
	default:
		return fmt.Sprintf("FailureKind(%d)", int(k))
	}
}

func (k FailureKind) sentinel() error {
	switch k {
	case Unauthorized:
		return ErrUnauthorized
	case NotFound:
		return ErrNotFound
	case Validation:
		return ErrValidation
	case Network:
		return ErrNetwork
	default:
		return ErrServer
	}
}

// Failure is the error returned by every gateway and client call that did not
// succeed. Expected failure modes never surface as any other error type.
type Failure struct {
	Kind FailureKind

	// StatusCode is the HTTP status, 0 when no response was received.
	StatusCode int

	// Message is the server's explanation, flattened to one line.
	Message string

	// Err is the underlying transport or decoding error, if any.
	Err error
}

func (f *Failure) Error() string {
	var b strings.Builder
	b.WriteString(f.Kind.sentinel().Error())
	if f.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", f.StatusCode)
	}
	if f.Message != "" {
		b.WriteString(": ")
		b.WriteString(f.Message)
	}
	if f.Err != nil {
		b.WriteString(": ")
		b.WriteString(f.Err.Error())
	}
	return b.String()
}

func (f *Failure) Unwrap() error { return f.Err }

// Is reports whether target is the sentinel for f's kind.
func (f *Failure) Is(target error) bool {
	return target == f.Kind.sentinel()
}

// KindOf returns the failure kind of err, or 0 if err is not a [*Failure].
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return 0
}

// Retryable reports whether err is transient: the same request may succeed
// later without any change on the client.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == Network || k == Server
}

// classify maps a non-2xx response to a failure.
func classify(status int, body []byte) *Failure {
	f := &Failure{StatusCode: status, Message: serverMessage(body)}
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		f.Kind = Unauthorized
	case status == http.StatusNotFound:
		f.Kind = NotFound
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		f.Kind = Server
	case status >= 400:
		f.Kind = Validation
	default:
		f.Kind = Server
		if f.Message == "" {
			f.Message = "unexpected status " + http.StatusText(status)
		}
	}
	return f
}

const maxMessageLen = 300

// serverMessage flattens a DRF-style error body into one line:
//
//	{"detail": "..."}                   -> ...
//	{"habitat": ["This field is required."]} -> habitat: This field is required.
//	["..."]                             -> ...
//
// Anything else is returned as trimmed text.
func serverMessage(body []byte) string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return ""
	}

	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return truncate(text)
	}

	switch t := v.(type) {
	case map[string]any:
		if d, ok := t["detail"]; ok {
			return truncate(flatten(d))
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			msg := flatten(t[k])
			if k == "non_field_errors" {
				parts = append(parts, msg)
				continue
			}
			parts = append(parts, k+": "+msg)
		}
		return truncate(strings.Join(parts, "; "))
	default:
		return truncate(flatten(t))
	}
}

func flatten(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, flatten(e))
		}
		return strings.Join(parts, " ")
	case nil:
		return ""
	default:
		b, _ := json.Marshal(t) //nolint:errcheck // decoded JSON always re-encodes
		return string(b)
	}
}

func truncate(s string) string {
	if len(s) <= maxMessageLen {
		return s
	}
	return s[:maxMessageLen] + "..."
}
