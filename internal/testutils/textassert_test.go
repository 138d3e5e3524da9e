package testutils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// recordingT captures assertion failures instead of failing the test.
type recordingT struct {
	failures []string
}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.failures = append(r.failures, fmt.Sprintf(format, args...))
}

func (r *recordingT) Helper() {}

func TestTextAsserter(t *testing.T) {
	t.Run("trailing whitespace and outer blank lines are ignored by default", func(t *testing.T) {
		rec := &recordingT{}
		ok := NewTextAsserter(rec).Assert("\nBattery Level: 55% [CHARGING]   \n\n", "Battery Level: 55% [CHARGING]")

		assert.True(t, ok)
		assert.Empty(t, rec.failures)
	})

	t.Run("mismatch reports a unified diff", func(t *testing.T) {
		rec := &recordingT{}
		ok := NewTextAsserter(rec).Assert("Battery Level: 55% [NOT CHARGING]", "Battery Level: 55% [CHARGING]")

		assert.False(t, ok)
		if assert.Len(t, rec.failures, 1) {
			assert.Contains(t, rec.failures[0], "-Battery Level: 55% [CHARGING]")
			assert.Contains(t, rec.failures[0], "+Battery Level: 55% [NOT CHARGING]")
		}
	})

	t.Run("strict mode keeps whitespace significant", func(t *testing.T) {
		ta := NewTextAsserter(&recordingT{}).WithOptions(WithTrimSpace(false), WithIgnoreTrailingWhitespace(false))
		assert.NotEmpty(t, ta.Diff("a \n", "a"))
	})

	t.Run("colored diff marks whitespace", func(t *testing.T) {
		ta := NewTextAsserter(&recordingT{}).WithOptions(WithEnableColors(true))
		assert.Contains(t, ta.Diff("a b", "a c"), "a·b")
	})
}
