package smtperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"plain error defaults to 421", errors.New("boom"), 421},
		{"coded error", New(554, "spam"), 554},
		{"wrapped coded error", fmt.Errorf("rcpt: %w", New(550, "nope")), 550},
		{"sentinel", ErrInvalidMX, 550},
		{"zero code", &Error{Message: "x"}, 421},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Code(tt.err))
		})
	}
}

func TestWrap(t *testing.T) {
	t.Run("Assigns code to plain errors", func(t *testing.T) {
		cause := errors.New("i/o timeout")
		err := Wrap(cause, CodeTransient)
		assert.Equal(t, 421, Code(err))
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, "i/o timeout", err.Error())
	})

	t.Run("Keeps existing code", func(t *testing.T) {
		err := Wrap(ErrInvalidForwardRecord, CodeTransient)
		assert.Equal(t, 550, Code(err))
		assert.ErrorIs(t, err, ErrInvalidForwardRecord)
	})

	t.Run("Nil stays nil", func(t *testing.T) {
		assert.NoError(t, Wrap(nil, CodeTransient))
	})
}

func TestIsMatchesByValue(t *testing.T) {
	dup := New(550, "Invalid forward-email TXT record")
	assert.ErrorIs(t, dup, ErrInvalidForwardRecord)
	assert.NotErrorIs(t, New(421, "Invalid forward-email TXT record"), ErrInvalidForwardRecord)
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "Rate limit exceeded", Message(fmt.Errorf("check: %w", New(451, "Rate limit exceeded"))))
	assert.Equal(t, "boom", Message(errors.New("boom")))
}
