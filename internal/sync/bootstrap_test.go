package sync

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/njoerd114/leafsync/internal/model"
	"github.com/njoerd114/leafsync/internal/remote"
)

func TestBootstrap_SkipsNonEmptyStore(t *testing.T) {
	store := newMockStore(model.KindPlant)
	store.add(&model.Record{RemoteID: 1, SyncState: model.Synced})
	gw := newMockGateway(remote.Record{ID: 2, Fields: plantFields("Rose")})

	var buf bytes.Buffer
	b := NewBootstrap(store, []Puller{newTestEngine(store, gw, 0)}, testLogger, &buf)
	ran, err := b.Run(context.Background())
	require.NoError(t, err)
	require.False(t, ran, "bootstrap should not run when the store is non-empty")
	require.Zero(t, gw.callCount())
}

func TestBootstrap_WarmsEveryKind(t *testing.T) {
	plants := newMockStore(model.KindPlant)
	obs := newMockStore(model.KindObservation)
	plantGW := newMockGateway(remote.Record{ID: 1, Fields: plantFields("Rose")}, remote.Record{ID: 2, Fields: plantFields("Fern")})
	obsGW := newMockGateway(remote.Record{ID: 5, Fields: map[string]string{"location": "Park"}})

	var out bytes.Buffer
	b := NewBootstrap(plants, []Puller{
		newTestEngine(plants, plantGW, 0),
		newTestEngine(obs, obsGW, 0),
	}, testLogger, &out)

	ran, err := b.Run(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
	require.Len(t, plants.all(), 2)
	require.Len(t, obs.all(), 1)
	require.Contains(t, out.String(), "plant")
	require.Contains(t, out.String(), "2 cached")
}

func TestBootstrap_ReportsFailedKinds(t *testing.T) {
	plants := newMockStore(model.KindPlant)
	obs := newMockStore(model.KindObservation)
	plantGW := newMockGateway(remote.Record{ID: 1, Fields: plantFields("Rose")})
	obsGW := newMockGateway()
	obsGW.errFor = func(string, int64) error { return networkErr() }

	var out bytes.Buffer
	b := NewBootstrap(plants, []Puller{
		newTestEngine(plants, plantGW, 0),
		newTestEngine(obs, obsGW, 0),
	}, testLogger, &out)

	ran, err := b.Run(context.Background())
	require.True(t, ran, "bootstrap should report that it ran")
	require.ErrorIs(t, err, remote.ErrNetwork)
	require.Len(t, plants.all(), 1, "successful kind was not cached")
	require.Contains(t, out.String(), "failed")
}
