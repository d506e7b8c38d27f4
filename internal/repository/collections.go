package repository

import (
	"context"
	"fmt"

	"github.com/njoerd114/leafsync/internal/model"
	syncer "github.com/njoerd114/leafsync/internal/sync"
)

// Collection maps a [Repository] onto one domain shape.
type Collection[T any] struct {
	repo *Repository
	from func(*model.Record) T

	// to returns the local id, editable fields and media reference of v.
	to func(v T) (int64, map[string]string, string)
}

// Plants is the typed facade over plant records.
type Plants = Collection[model.Plant]

// Observations is the typed facade over observation records.
type Observations = Collection[model.Observation]

// NewPlants wraps a plant repository.
func NewPlants(repo *Repository) *Plants {
	return &Collection[model.Plant]{
		repo: repo,
		from: model.PlantFromRecord,
		to: func(p model.Plant) (int64, map[string]string, string) {
			return p.LocalID, p.Fields(), p.Image
		},
	}
}

// NewObservations wraps an observation repository.
func NewObservations(repo *Repository) *Observations {
	return &Collection[model.Observation]{
		repo: repo,
		from: model.ObservationFromRecord,
		to: func(o model.Observation) (int64, map[string]string, string) {
			return o.LocalID, o.Fields(), o.Image
		},
	}
}

// List returns the cached items.
func (c *Collection[T]) List(ctx context.Context) ([]T, error) {
	recs, err := c.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		out = append(out, c.from(rec))
	}
	return out, nil
}

// Refresh pulls the server's items into the cache.
func (c *Collection[T]) Refresh(ctx context.Context) (syncer.Stats, error) {
	return c.repo.Refresh(ctx)
}

// Get returns the server's copy of the item with the given local id.
func (c *Collection[T]) Get(ctx context.Context, localID int64) (T, error) {
	rec, err := c.repo.Get(ctx, localID)
	if err != nil {
		var zero T
		return zero, err
	}
	return c.from(rec), nil
}

// Add stores v as a new item. The local id of v is ignored.
func (c *Collection[T]) Add(ctx context.Context, v T) (T, error) {
	_, fields, media := c.to(v)
	rec, err := c.repo.Add(ctx, fields, media)
	if err != nil {
		var zero T
		return zero, err
	}
	return c.from(rec), nil
}

// Update writes v over the item with the same local id.
func (c *Collection[T]) Update(ctx context.Context, v T) (T, error) {
	id, fields, media := c.to(v)
	rec, err := c.repo.Update(ctx, id, fields, media)
	if err != nil {
		var zero T
		return zero, err
	}
	return c.from(rec), nil
}

// Remove deletes the item with the given local id.
func (c *Collection[T]) Remove(ctx context.Context, localID int64) error {
	return c.repo.Remove(ctx, localID)
}

// Profile is the facade over the signed-in user's profile. The server owns
// the profile's lifecycle, so there is no Add.
type Profile struct {
	repo *Repository
}

// NewProfile wraps the user profile repository.
func NewProfile(repo *Repository) *Profile {
	return &Profile{repo: repo}
}

// Cached returns the locally cached profile.
func (p *Profile) Cached(ctx context.Context) (model.UserProfile, error) {
	rec, err := p.first(ctx)
	if err != nil {
		return model.UserProfile{}, err
	}
	return model.UserProfileFromRecord(rec), nil
}

// Get returns the profile as the server currently has it.
func (p *Profile) Get(ctx context.Context) (model.UserProfile, error) {
	rec, err := p.first(ctx)
	if err != nil {
		return model.UserProfile{}, err
	}
	rec, err = p.repo.Get(ctx, rec.LocalID)
	if err != nil {
		return model.UserProfile{}, err
	}
	return model.UserProfileFromRecord(rec), nil
}

// Update writes u over the cached profile. The local id of u is ignored.
func (p *Profile) Update(ctx context.Context, u model.UserProfile) (model.UserProfile, error) {
	rec, err := p.first(ctx)
	if err != nil {
		return model.UserProfile{}, err
	}
	rec, err = p.repo.Update(ctx, rec.LocalID, u.Fields(), u.Image)
	if err != nil {
		return model.UserProfile{}, err
	}
	return model.UserProfileFromRecord(rec), nil
}

// Refresh pulls the profile from the server.
func (p *Profile) Refresh(ctx context.Context) (syncer.Stats, error) {
	return p.repo.Refresh(ctx)
}

func (p *Profile) first(ctx context.Context) (*model.Record, error) {
	recs, err := p.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("profile not cached, refresh first: %w", ErrNotFound)
	}
	return recs[0], nil
}
