package clientregistry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlwm2m/core/pkg/errors"
)

func TestRegisterAssignsMonotonicLocations(t *testing.T) {
	r := New(nil)
	now := time.Now()

	a, err := r.Register("10.0.0.1:5683", "urn:dev:a", 60, "U", false, "</3/0>", now)
	require.NoError(t, err)
	b, err := r.Register("10.0.0.2:5683", "urn:dev:b", 60, "U", false, "</3/0>", now)
	require.NoError(t, err)

	assert.Equal(t, "/rd/1", a.Location)
	assert.Equal(t, "/rd/2", b.Location)
	assert.Len(t, r.All(), 2)
}

func TestRegisterWithoutEndpointFails(t *testing.T) {
	r := New(nil)
	_, err := r.Register("10.0.0.1:5683", "", 60, "U", false, "", time.Now())
	require.Error(t, err)
	e, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.CodeDecodeError, e.Code)
}

func TestReRegisterReplacesPriorEntry(t *testing.T) {
	r := New(nil)
	now := time.Now()

	var events []EventKind
	r.OnEvent(func(kind EventKind, c *Client) { events = append(events, kind) })

	first, err := r.Register("10.0.0.1:5683", "urn:dev:a", 60, "U", false, "</3/0>", now)
	require.NoError(t, err)
	second, err := r.Register("10.0.0.1:9999", "urn:dev:a", 120, "U", false, "</3/0>,</4/0>", now)
	require.NoError(t, err)

	assert.NotEqual(t, first.Location, second.Location)
	_, ok := r.Lookup(first.Location)
	assert.False(t, ok, "stale entry must be dropped")
	got, ok := r.Lookup(second.Location)
	require.True(t, ok)
	assert.Equal(t, 120, got.Lifetime)
	assert.Equal(t, []EventKind{EventRegistered, EventRegistered}, events)
}

func TestUpdateRefreshesLifetimeAndObjects(t *testing.T) {
	r := New(nil)
	now := time.Now()

	c, err := r.Register("10.0.0.1:5683", "urn:dev:a", 60, "U", false, "</3/0>", now)
	require.NoError(t, err)

	later := now.Add(20 * time.Second)
	updated, err := r.Update(c.Location, 300, `</3/0>,</1/0>;ver="1.1"`, later)
	require.NoError(t, err)
	assert.Equal(t, 300, updated.Lifetime)
	assert.Equal(t, later, updated.LastUpdate)
	require.Len(t, updated.Objects, 2)
	assert.Equal(t, "/1/0", updated.Objects[1].Path)
	assert.Equal(t, "1.1", updated.Objects[1].Version)

	// A bodyless update keeps the advertised list.
	updated, err = r.Update(c.Location, 0, "", later.Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, updated.Objects, 2)
	assert.Equal(t, 300, updated.Lifetime)
}

func TestUpdateUnknownLocationIsNotFound(t *testing.T) {
	r := New(nil)
	_, err := r.Update("/rd/99", 0, "", time.Now())
	require.Error(t, err)
	e, _ := errors.As(err)
	assert.Equal(t, errors.CodeNotFound, e.Code)
}

func TestDeregisterIsIdempotentlyNotFound(t *testing.T) {
	r := New(nil)
	now := time.Now()
	c, err := r.Register("10.0.0.1:5683", "urn:dev:a", 60, "U", false, "", now)
	require.NoError(t, err)

	require.NoError(t, r.Deregister(c.Location))
	err = r.Deregister(c.Location)
	require.Error(t, err)
	e, _ := errors.As(err)
	assert.Equal(t, errors.CodeNotFound, e.Code)
}

func TestSweepExpiresOnlyOverdueClients(t *testing.T) {
	r := New(nil)
	now := time.Now()

	var expired []*Client
	r.OnEvent(func(kind EventKind, c *Client) {
		if kind == EventExpired {
			expired = append(expired, c)
		}
	})

	shortLived, err := r.Register("10.0.0.1:5683", "urn:dev:short", 10, "U", false, "", now)
	require.NoError(t, err)
	_, err = r.Register("10.0.0.2:5683", "urn:dev:long", 3600, "U", false, "", now)
	require.NoError(t, err)

	gone := r.Sweep(now.Add(11 * time.Second))
	require.Len(t, gone, 1)
	assert.Equal(t, shortLived.Location, gone[0].Location)
	assert.Len(t, r.All(), 1)
	require.Len(t, expired, 1)
	assert.Equal(t, "urn:dev:short", expired[0].Endpoint)
}

func TestParseObjectLinksSkipsMalformedEntries(t *testing.T) {
	links := parseObjectLinks(`</3/0>, ,</1/0>;ver="1.1"`)
	require.Len(t, links, 2)
	assert.Equal(t, "/3/0", links[0].Path)
	assert.Equal(t, "", links[0].Version)
	assert.Equal(t, "/1/0", links[1].Path)
	assert.Equal(t, "1.1", links[1].Version)
}
