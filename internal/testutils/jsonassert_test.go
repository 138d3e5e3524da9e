package testutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJSONAsserter(t *testing.T) {
	t.Run("extra keys are ignored by default", func(t *testing.T) {
		rec := &recordingT{}
		ok := NewJSONAsserter(rec).Assert(`{"kind":"reading","seq":3,"level":55}`, `{"kind":"reading","level":55}`)

		assert.True(t, ok)
		assert.Empty(t, rec.failures)
	})

	t.Run("value mismatch fails with a diff", func(t *testing.T) {
		rec := &recordingT{}
		ok := NewJSONAsserter(rec).Assert(`{"level":54}`, `{"level":55}`)

		assert.False(t, ok)
		assert.Len(t, rec.failures, 1)
	})

	t.Run("ignored fields are dropped at any depth", func(t *testing.T) {
		rec := &recordingT{}
		ja := NewJSONAsserter(rec).WithOptions(WithIgnoreExtraKeys(false), WithIgnoredFields("time", "first_seen"))

		ok := ja.Assert(
			`{"time":"2026-01-01T00:00:00Z","device":{"id":"aa","first_seen":"x"}}`,
			`{"time":"other","device":{"id":"aa"}}`,
		)
		assert.True(t, ok, "%v", rec.failures)
	})

	t.Run("root arrays are compared", func(t *testing.T) {
		rec := &recordingT{}
		assert.False(t, NewJSONAsserter(rec).Assert(`[1,2]`, `[1,3]`))
	})

	t.Run("json lines", func(t *testing.T) {
		rec := &recordingT{}
		ja := NewJSONAsserter(rec)

		assert.True(t, ja.AssertLines("{\"a\":1}\n\n{\"a\":2}\n", `{"a":1}`, `{"a":2}`))
		assert.False(t, ja.AssertLines(`{"a":1}`, `{"a":1}`, `{"a":2}`), "document count mismatch MUST fail")
	})
}
