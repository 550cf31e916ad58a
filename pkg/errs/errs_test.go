package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassOfRoundTripsEachConstructor(t *testing.T) {
	cases := []struct {
		name  string
		build func(error) error
		want  Class
	}{
		{"cancellation", Cancellation, ClassCancellation},
		{"timeout", Timeout, ClassTimeout},
		{"rate limit", RateLimit, ClassRateLimit},
		{"execution", Execution, ClassExecution},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.build(errors.New("boom"))
			assert.Equal(t, tc.want, ClassOf(err))
		})
	}
}

func TestClassOfUnclassifiedErrorDefaultsToExecution(t *testing.T) {
	assert.Equal(t, ClassExecution, ClassOf(errors.New("plain")))
}

func TestClassOfSurvivesWrapping(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", Timeout(errors.New("deadline exceeded")))
	assert.Equal(t, ClassTimeout, ClassOf(wrapped))
}

func TestIsCancellation(t *testing.T) {
	assert.True(t, IsCancellation(Cancellation(nil)))
	assert.False(t, IsCancellation(Execution(nil)))
}

func TestErrorMessageIncludesClassAndUnderlying(t *testing.T) {
	err := RateLimit(errors.New("429 too many requests"))
	assert.Equal(t, "RateLimitError: 429 too many requests", err.Error())
}

func TestErrorMessageWithNilUnderlyingIsJustClass(t *testing.T) {
	err := Cancellation(nil)
	assert.Equal(t, "CancellationError", err.Error())
}
