// Copyright 2025 James Ross
package job

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashRoundTrip(t *testing.T) {
	fields := map[string]string{
		"name":           "email",
		"data":           `{"to":"x"}`,
		"opts":           `{"priority":3,"attempts":2}`,
		"timestamp":      "1700000000000",
		"delay":          "250",
		"priority":       "3",
		"attemptsMade":   "1",
		"stalledCounter": "0",
		"processedOn":    "1700000000100",
		"returnvalue":    `"ok"`,
		"parent":         `{"id":"7","queue":"bull:other:"}`,
	}
	r, err := FromHash("42", fields)
	require.NoError(t, err)
	assert.Equal(t, "42", r.ID)
	assert.Equal(t, "email", r.Name)
	assert.Equal(t, 3, r.Priority)
	assert.Equal(t, 2, r.Opts.Attempts)
	assert.Equal(t, int64(1700000000000), r.Timestamp)
	assert.Equal(t, 1, r.AttemptsMade)
	assert.Equal(t, `"ok"`, string(r.ReturnValue))
	require.NotNil(t, r.Parent)
	assert.Equal(t, "7", r.Parent.ID)
	assert.Equal(t, "bull:other:", r.Parent.Queue)
}

func TestFromHashEmptyIsError(t *testing.T) {
	_, err := FromHash("1", nil)
	assert.Error(t, err)
}

func TestFromFlat(t *testing.T) {
	r, err := FromFlat("9", []interface{}{"name", "n", "timestamp", "123", "priority", "0"})
	require.NoError(t, err)
	assert.Equal(t, "n", r.Name)
	assert.Equal(t, int64(123), r.Timestamp)
}

func TestKeepPolicyJSON(t *testing.T) {
	var o Options
	require.NoError(t, json.Unmarshal([]byte(`{"removeOnComplete":true,"removeOnFail":100}`), &o))
	require.NotNil(t, o.RemoveOnComplete)
	assert.True(t, o.RemoveOnComplete.Remove)
	assert.Equal(t, "true", o.RemoveOnComplete.ScriptArg())
	require.NotNil(t, o.RemoveOnFail)
	assert.Equal(t, 100, o.RemoveOnFail.Count)
	assert.Equal(t, "100", o.RemoveOnFail.ScriptArg())

	var bad Options
	assert.Error(t, json.Unmarshal([]byte(`{"removeOnComplete":"yes"}`), &bad))

	var none *KeepPolicy
	assert.Equal(t, "", none.ScriptArg())

	b, err := json.Marshal(Options{RemoveOnComplete: &KeepPolicy{Count: 5}})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"removeOnComplete":5`)
}

func TestNumericID(t *testing.T) {
	assert.Equal(t, int64(42), NumericID("42"))
	assert.Equal(t, int64(42), NumericID("42:tenant-a"))
	assert.Equal(t, int64(0), NumericID("custom-id"))
	assert.Equal(t, int64(0), NumericID(""))
}

func TestCompositeScore(t *testing.T) {
	assert.Equal(t, int64(1000*4096+5), CompositeScore(1000, "5"))
	// low 12 bits only: 4096 wraps to 0
	assert.Equal(t, int64(1000*4096), CompositeScore(1000, "4096"))
	// negative timestamps clamp to zero
	assert.Equal(t, int64(7), CompositeScore(-5, "7"))
}

func TestBackoffDelay(t *testing.T) {
	fixed := &Backoff{Type: "fixed", Delay: 100}
	assert.Equal(t, 100*time.Millisecond, fixed.DelayFor(1))
	assert.Equal(t, 100*time.Millisecond, fixed.DelayFor(5))

	exp := &Backoff{Type: "exponential", Delay: 100}
	assert.Equal(t, 100*time.Millisecond, exp.DelayFor(1))
	assert.Equal(t, 200*time.Millisecond, exp.DelayFor(2))
	assert.Equal(t, 800*time.Millisecond, exp.DelayFor(4))

	var none *Backoff
	assert.Zero(t, none.DelayFor(3))
}

func TestAttemptsExhausted(t *testing.T) {
	r := &Record{AttemptsMade: 1, Opts: Options{Attempts: 2}}
	assert.False(t, r.AttemptsExhausted())
	r.AttemptsMade = 2
	assert.True(t, r.AttemptsExhausted())
}
