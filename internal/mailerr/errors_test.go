package mailerr

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHelpersFollowWrapChain(t *testing.T) {
	cause := errors.New("connection reset")

	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"network", &NetworkError{Op: "PROPFIND", Err: cause}, IsNetwork},
		{"auth", &AuthenticationError{AccountID: "a1", Status: 401}, IsAuth},
		{"database", &DatabaseError{Op: "get", Err: cause}, IsDatabase},
		{"not found", &NotFoundError{Resource: "message", ID: "m1"}, IsNotFound},
		{"sync", &SyncError{AccountID: "a1", Err: cause}, IsSync},
		{"validation", &ValidationError{Field: "to", Message: "empty"}, IsValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.True(t, tt.check(tt.err))
			assert.True(t, tt.check(wrapped))
			assert.False(t, tt.check(cause))
		})
	}
}

func TestSyncErrorUnwrapsToCause(t *testing.T) {
	inner := &NetworkError{Op: "PROPFIND", Err: errors.New("timeout")}
	err := &SyncError{AccountID: "acct", Err: inner}

	assert.True(t, IsSync(err))
	assert.True(t, IsNetwork(err))
	assert.Contains(t, err.Error(), "acct")
}

func TestDatabaseWrapping(t *testing.T) {
	assert.NoError(t, Database("noop", nil))

	err := Database("get message", sql.ErrConnDone)
	assert.True(t, IsDatabase(err))
	assert.ErrorIs(t, err, sql.ErrConnDone)

	nf := &NotFoundError{Resource: "message", ID: "x"}
	assert.Same(t, nf, Database("get message", nf))
}
