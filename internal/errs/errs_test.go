package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaxonomyWrapping(t *testing.T) {
	assert.ErrorIs(t, Validation("embedding has %d dims", 2), ErrValidation)
	assert.ErrorIs(t, NotFound("fragment", "f1"), ErrNotFound)
	assert.ErrorIs(t, InvalidState("message %s is pending", "m1"), ErrInvalidState)
	assert.Contains(t, NotFound("fragment", "f1").Error(), "fragment f1")
}

func TestTransient(t *testing.T) {
	base := errors.New("connection refused")
	err := Transient(base)

	assert.ErrorIs(t, err, ErrTransient)
	assert.ErrorIs(t, err, base)
	assert.True(t, IsTransient(err))
	assert.True(t, IsTransient(fmt.Errorf("push: %w", err)))
	assert.Same(t, err, Transient(err))
	assert.Nil(t, Transient(nil))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"validation", Validation("bad"), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(Validation("x")))
	assert.True(t, IsPermanent(NotFound("message", "m")))
	assert.True(t, IsPermanent(InvalidState("x")))
	assert.False(t, IsPermanent(Transient(errors.New("x"))))
}
