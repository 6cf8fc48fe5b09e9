package storage

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateViewName(t *testing.T) {
	for _, ok := range []string{"transactions", "mart.monthly_spend", "_x.y_1"} {
		assert.NoError(t, ValidateViewName(ok), ok)
	}
	for _, bad := range []string{"", "a.b.c", "mart.spend; DROP TABLE x", "1abc", "mart.", "a-b"} {
		assert.Error(t, ValidateViewName(bad), bad)
	}
}

func TestTruncateError(t *testing.T) {
	assert.Equal(t, "", TruncateError(nil))
	assert.Equal(t, "boom", TruncateError(errors.New("boom")))
	long := errors.New(strings.Repeat("x", MaxErrorMessageLen+50))
	assert.Len(t, TruncateError(long), MaxErrorMessageLen)
}
