package errors

import (
	stderrors "errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGracefulError(t *testing.T) {
	base := stderrors.New("address already in use")
	err := NewGracefulError("bind smtp-587", base)
	assert.Equal(t, "operation 'bind smtp-587' failed: address already in use", err.Error())
	assert.ErrorIs(t, err, base)
}

func TestErrorHandler_FirstCodeWins(t *testing.T) {
	eh := NewErrorHandler()
	eh.ValidationError("server[0]", stderrors.New("bad"))
	eh.FatalError("start", stderrors.New("later"))
	assert.Equal(t, 2, eh.WaitForExit())

	_, ok := eh.WaitForExitWithTimeout(10 * time.Millisecond)
	assert.False(t, ok)
}

func TestErrorHandler_ConfigError(t *testing.T) {
	eh := NewErrorHandler()
	eh.ConfigError("config.toml", os.ErrNotExist)
	code, ok := eh.WaitForExitWithTimeout(time.Second)
	assert.True(t, ok)
	assert.Equal(t, 2, code)
}
