package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/njoerd114/leafsync/internal/model"
)

// Record is a server-side record as returned by the gateway.
type Record struct {
	ID       int64
	Fields   map[string]string
	MediaURL string
}

// body is an encoded request body with its content type.
type body struct {
	data        []byte
	contentType string
}

// encodeBody builds the request body for a create or update. Fields that are
// empty or absent are omitted unless fullReplace is set, in which case every
// editable field is sent and an absent value clears it on the server. The
// body is multipart when mediaRef is a local file and JSON otherwise.
func encodeBody(schema model.Schema, fields map[string]string, mediaRef string, fullReplace bool) (body, error) {
	if model.IsLocalMedia(mediaRef) {
		return encodeMultipart(schema, fields, mediaRef, fullReplace)
	}
	return encodeJSON(schema, fields, fullReplace)
}

func encodeJSON(schema model.Schema, fields map[string]string, fullReplace bool) (body, error) {
	m := make(map[string]any)
	for _, f := range schema.Editable() {
		v := fields[f.Name]
		if v == "" {
			if fullReplace {
				m[f.Name] = nil
			}
			continue
		}
		if f.Type == model.TypeInt {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return body{}, &Failure{Kind: Validation, Message: fmt.Sprintf("%s must be an integer, got %q", f.Name, v)}
			}
			m[f.Name] = n
			continue
		}
		m[f.Name] = v
	}

	data, err := json.Marshal(m)
	if err != nil {
		return body{}, fmt.Errorf("encoding %s body: %w", schema.Kind, err)
	}
	return body{data: data, contentType: "application/json"}, nil
}

func encodeMultipart(schema model.Schema, fields map[string]string, mediaRef string, fullReplace bool) (body, error) {
	f, err := os.Open(mediaRef)
	if err != nil {
		return body{}, &Failure{Kind: Validation, Message: "cannot read media file " + mediaRef, Err: err}
	}
	defer func() { _ = f.Close() }()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, fd := range schema.Editable() {
		v := fields[fd.Name]
		if v == "" && !fullReplace {
			continue
		}
		if err := w.WriteField(fd.Name, v); err != nil {
			return body{}, fmt.Errorf("writing form field %s: %w", fd.Name, err)
		}
	}

	h := make(textproto.MIMEHeader)
	name := filepath.Base(mediaRef)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, schema.MediaField, name))
	h.Set("Content-Type", mediaType(name))
	part, err := w.CreatePart(h)
	if err != nil {
		return body{}, fmt.Errorf("creating media part: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return body{}, &Failure{Kind: Validation, Message: "cannot read media file " + mediaRef, Err: err}
	}
	if err := w.Close(); err != nil {
		return body{}, fmt.Errorf("closing multipart body: %w", err)
	}
	return body{data: buf.Bytes(), contentType: w.FormDataContentType()}, nil
}

func mediaType(name string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		return t
	}
	return "application/octet-stream"
}

// decodeRecord extracts the schema fields from a decoded JSON object. Values
// are expected to have been decoded with UseNumber.
func decodeRecord(schema model.Schema, raw map[string]any) (Record, error) {
	id, ok := asInt(raw["id"])
	if !ok || id == 0 {
		return Record{}, &Failure{Kind: Server, Message: fmt.Sprintf("%s in response has no id", schema.Kind)}
	}

	rec := Record{ID: id, Fields: make(map[string]string, len(schema.Fields))}
	for _, f := range schema.Fields {
		v, present := raw[f.Name]
		if f.NestedKey != "" {
			if nested, ok := raw[f.NestedKey]; ok && nested != nil {
				v, present = nested, true
				if obj, isObj := nested.(map[string]any); isObj {
					v = obj["id"]
				}
			}
		}
		if !present {
			continue
		}
		if s, ok := asString(v); ok && s != "" {
			rec.Fields[f.Name] = s
		}
	}
	if s, ok := raw[schema.MediaField].(string); ok {
		rec.MediaURL = s
	}
	return rec, nil
}

func asInt(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	case float64:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func asString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}
