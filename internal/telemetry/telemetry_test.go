package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func TestNewResource_DefaultName(t *testing.T) {
	res, err := newResource(Config{})
	require.NoError(t, err)

	name, ok := res.Set().Value(semconv.ServiceNameKey)
	require.True(t, ok)
	require.Equal(t, DefaultServiceName, name.AsString())
	_, ok = res.Set().Value(semconv.ServiceVersionKey)
	require.False(t, ok, "no version configured")
}

func TestNewResource_NameAndVersion(t *testing.T) {
	res, err := newResource(Config{ServiceName: "field-laptop", ServiceVersion: "1.2.0"})
	require.NoError(t, err)

	name, _ := res.Set().Value(semconv.ServiceNameKey)
	version, _ := res.Set().Value(semconv.ServiceVersionKey)
	require.Equal(t, "field-laptop", name.AsString())
	require.Equal(t, "1.2.0", version.AsString())
}

func TestClosers_RunInOrderAndJoinErrors(t *testing.T) {
	var order []int
	boom := errors.New("boom")
	c := closers{
		func(context.Context) error { order = append(order, 1); return nil },
		func(context.Context) error { order = append(order, 2); return boom },
		func(context.Context) error { order = append(order, 3); return nil },
	}

	err := c.close(context.Background())
	require.ErrorIs(t, err, boom)
	require.Equal(t, []int{1, 2, 3}, order)
}
