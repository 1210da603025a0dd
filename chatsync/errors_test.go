package chatsync

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseErrorCode(t *testing.T) {
	assert.Equal(t, ErrorUnauthorized, ParseErrorCode("unauthorized"))
	assert.Equal(t, ErrorRateLimited, ParseErrorCode("rate_limited"))
	assert.Equal(t, ErrorUnknown, ParseErrorCode("no_such_code"))
}

func TestChatErrorIsComparesCode(t *testing.T) {
	err := fmt.Errorf("submit: %w", WrapError(ErrorTimeout, "ack", errors.New("deadline")))
	assert.ErrorIs(t, err, ErrSendTimeout)
	assert.NotErrorIs(t, err, ErrClosed)

	var ce *ChatError
	assert.ErrorAs(t, err, &ce)
	assert.EqualError(t, ce.Unwrap(), "deadline")
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsProtocolError(FromProtocolError(&Error{Code: "access_denied", Msg: "no"})))
	assert.False(t, IsProtocolError(ErrNotConnected))
	assert.False(t, IsProtocolError(errors.New("plain")))

	assert.True(t, IsConnectionError(ErrNotConnected))
	assert.True(t, IsConnectionError(NewError(ErrorDisconnected, "gone")))
	assert.False(t, IsConnectionError(ErrEmptyMessage))
	assert.False(t, IsConnectionError(nil))

	assert.Nil(t, FromProtocolError(nil))
}
