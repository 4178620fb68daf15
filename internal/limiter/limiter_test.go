// Copyright 2025 James Ross
package limiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnabled(t *testing.T) {
	var none *Config
	assert.False(t, none.Enabled())
	assert.False(t, (&Config{Max: 10}).Enabled())
	assert.True(t, (&Config{Max: 10, Duration: time.Second}).Enabled())
	assert.False(t, (&Config{Max: 10, Duration: time.Second}).Grouped())
	assert.True(t, (&Config{Max: 10, Duration: time.Second, GroupKeyPath: "tenant"}).Grouped())
}

func TestGroupFromPayload(t *testing.T) {
	c := &Config{Max: 1, Duration: time.Second, GroupKeyPath: "tenant.id"}

	g, err := c.GroupFromPayload([]byte(`{"tenant":{"id":"acme"}}`))
	require.NoError(t, err)
	assert.Equal(t, "acme", g)

	// numbers normalize to their text form
	g, err = c.GroupFromPayload([]byte(`{"tenant":{"id":42}}`))
	require.NoError(t, err)
	assert.Equal(t, "42", g)

	// colons would corrupt the id suffix
	g, err = c.GroupFromPayload([]byte(`{"tenant":{"id":"a:b"}}`))
	require.NoError(t, err)
	assert.Equal(t, "a_b", g)

	_, err = c.GroupFromPayload([]byte(`{"tenant":{}}`))
	assert.Error(t, err)

	_, err = c.GroupFromPayload([]byte(`not json`))
	assert.Error(t, err)

	_, err = c.GroupFromPayload([]byte(`{"tenant":{"id":{"nested":true}}}`))
	assert.Error(t, err)
}

func TestGroupFromPayloadDollarPath(t *testing.T) {
	c := &Config{Max: 1, Duration: time.Second, GroupKeyPath: "$.group"}
	g, err := c.GroupFromPayload([]byte(`{"group":"g1"}`))
	require.NoError(t, err)
	assert.Equal(t, "g1", g)
}

func TestUngroupedIsNoop(t *testing.T) {
	c := &Config{Max: 1, Duration: time.Second}
	g, err := c.GroupFromPayload([]byte(`whatever`))
	require.NoError(t, err)
	assert.Empty(t, g)
}
