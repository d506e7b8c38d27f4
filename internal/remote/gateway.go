package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/njoerd114/leafsync/internal/model"
)

// maxPages bounds how many "next" links FetchAll follows.
const maxPages = 1000

// Gateway performs CRUD calls for one kind. Every error it returns is, or
// wraps, a [*Failure]. Reads are retried on transient failures; writes are
// not, the sync scheduler retries them on its next pass.
type Gateway struct {
	c      *Client
	schema model.Schema
}

// Kind returns the entity type the gateway serves.
func (g *Gateway) Kind() model.Kind { return g.schema.Kind }

// FetchAll returns every record the server holds for the signed-in user. For
// a singleton kind it returns the one record.
func (g *Gateway) FetchAll(ctx context.Context) ([]Record, error) {
	if g.schema.Singleton {
		rec, err := g.fetchObject(ctx, g.schema.Path)
		if err != nil {
			return nil, err
		}
		return []Record{rec}, nil
	}

	var out []Record
	next := g.schema.Path
	for page := 0; next != "" && page < maxPages; page++ {
		var raw json.RawMessage
		if err := g.get(ctx, next, &raw); err != nil {
			return nil, err
		}
		objs, nextURL, err := splitPage(raw)
		if err != nil {
			return nil, &Failure{Kind: Server, StatusCode: http.StatusOK, Message: "malformed list response", Err: err}
		}
		for _, obj := range objs {
			rec, err := decodeRecord(g.schema, obj)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		next = nextURL
	}
	return out, nil
}

// FetchOne returns the record with the given id. The id is ignored for a
// singleton kind.
func (g *Gateway) FetchOne(ctx context.Context, id int64) (Record, error) {
	return g.fetchObject(ctx, g.itemPath(id))
}

// Create posts a new record and returns the server's copy, which carries the
// assigned id and the URL of any uploaded media. The idempotency key set with
// [WithIdempotencyKey] is forwarded.
func (g *Gateway) Create(ctx context.Context, fields map[string]string, mediaRef string) (Record, error) {
	if g.schema.Singleton {
		return Record{}, &Failure{Kind: Validation, Message: fmt.Sprintf("%s cannot be created", g.schema.Kind)}
	}
	b, err := encodeBody(g.schema, fields, mediaRef, false)
	if err != nil {
		return Record{}, err
	}

	var raw map[string]any
	err = g.c.do(ctx, request{
		method:      http.MethodPost,
		path:        g.schema.Path,
		body:        b.data,
		contentType: b.contentType,
	}, &raw)
	if err != nil {
		return Record{}, fmt.Errorf("create %s: %w", g.schema.Kind, err)
	}
	rec, err := decodeRecord(g.schema, raw)
	if err != nil || rec.ID == 0 {
		return Record{}, &Failure{Kind: Server, StatusCode: http.StatusCreated, Message: fmt.Sprintf("create %s: response has no id", g.schema.Kind)}
	}
	return rec, nil
}

// Update sends the record's fields and returns the server's copy. An empty or
// remote mediaRef leaves the server's media untouched. When the server answers
// without a body only the id of the returned record is set.
func (g *Gateway) Update(ctx context.Context, id int64, fields map[string]string, mediaRef string) (Record, error) {
	b, err := encodeBody(g.schema, fields, mediaRef, g.schema.FullReplace)
	if err != nil {
		return Record{}, err
	}
	var raw map[string]any
	err = g.c.do(ctx, request{
		method:      g.schema.UpdateMethod,
		path:        g.itemPath(id),
		body:        b.data,
		contentType: b.contentType,
	}, &raw)
	if err != nil {
		return Record{}, fmt.Errorf("update %s %d: %w", g.schema.Kind, id, err)
	}
	if raw == nil {
		return Record{ID: id}, nil
	}
	rec, err := decodeRecord(g.schema, raw)
	if err != nil {
		// The write went through; only the echo is unusable.
		return Record{ID: id}, nil
	}
	return rec, nil
}

// Delete removes the record from the server.
func (g *Gateway) Delete(ctx context.Context, id int64) error {
	err := g.c.do(ctx, request{method: http.MethodDelete, path: g.itemPath(id)}, nil)
	if err != nil {
		return fmt.Errorf("delete %s %d: %w", g.schema.Kind, id, err)
	}
	return nil
}

func (g *Gateway) itemPath(id int64) string {
	if g.schema.Singleton {
		return g.schema.Path
	}
	return g.schema.Path + strconv.FormatInt(id, 10) + "/"
}

func (g *Gateway) fetchObject(ctx context.Context, path string) (Record, error) {
	var raw map[string]any
	if err := g.get(ctx, path, &raw); err != nil {
		return Record{}, err
	}
	if raw == nil {
		return Record{}, &Failure{Kind: Server, StatusCode: http.StatusOK, Message: "empty response body"}
	}
	return decodeRecord(g.schema, raw)
}

func (g *Gateway) get(ctx context.Context, path string, out any) error {
	err := Retry(ctx, defaultMaxAttempts, func() error {
		return g.c.do(ctx, request{method: http.MethodGet, path: path}, out)
	})
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	return nil
}

// splitPage accepts a plain JSON array or a paginated envelope
// {"results": [...], "next": "..."}.
func splitPage(raw json.RawMessage) ([]map[string]any, string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, "", nil
	}

	dec := func(data []byte, v any) error {
		d := json.NewDecoder(bytes.NewReader(data))
		d.UseNumber()
		return d.Decode(v)
	}

	if raw[0] == '[' {
		var objs []map[string]any
		if err := dec(raw, &objs); err != nil {
			return nil, "", err
		}
		return objs, "", nil
	}

	var env struct {
		Results []map[string]any `json:"results"`
		Next    *string          `json:"next"`
	}
	if err := dec(raw, &env); err != nil {
		return nil, "", err
	}
	next := ""
	if env.Next != nil {
		next = *env.Next
	}
	return env.Results, next, nil
}
