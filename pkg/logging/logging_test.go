package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithContextFields(t *testing.T) {
	logger := New("store", "debug", "json")
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	ctx := WithSessionID(context.Background(), "sess-1")
	ctx = WithOrigin(ctx, "Server")
	ctx = WithPath(ctx, "/3/0/1")

	logger.WithContext(ctx).Info("write accepted")

	out := buf.String()
	assert.Contains(t, out, "sess-1")
	assert.Contains(t, out, "Server")
	assert.Contains(t, out, "/3/0/1")
	assert.Contains(t, out, "write accepted")
}

func TestNewSessionIDUnique(t *testing.T) {
	a := NewSessionID()
	b := NewSessionID()
	require.NotEmpty(t, a)
	require.NotEmpty(t, b)
	assert.NotEqual(t, a, b)
}
