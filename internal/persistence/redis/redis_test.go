package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openlwm2m/core/internal/persistence"
)

func TestKeyIsNamespacedPerEndpoint(t *testing.T) {
	require.Equal(t, "lwm2m:snapshot:urn:dev:one", Key("urn:dev:one"))
	require.NotEqual(t, Key("a"), Key("b"))
}

func TestMarshalRoundTrip(t *testing.T) {
	snap := &persistence.Snapshot{
		Endpoint: "urn:dev:one",
		TakenAt:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Records: []persistence.Record{
			{Object: 3, Instance: 0, Resource: 0, ResourceInstance: 0, Value: []byte("Open Mobile Alliance")},
			{Object: 10000, Instance: 0, Resource: 2, ResourceInstance: 0, Value: []byte{0x07, 0x5b, 0xcd, 0x15}},
		},
	}

	payload, err := Marshal(snap)
	require.NoError(t, err)

	decoded, err := Unmarshal(payload)
	require.NoError(t, err)
	require.Equal(t, snap.Endpoint, decoded.Endpoint)
	require.True(t, snap.TakenAt.Equal(decoded.TakenAt))
	require.Equal(t, snap.Records, decoded.Records)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte("{not json"))
	require.Error(t, err)
}
