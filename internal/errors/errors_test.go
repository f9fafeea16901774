package errors

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassFatal},
		{"connection reset", errors.New("read tcp: connection reset by peer"), ClassTransient},
		{"imap unavailable", errors.New("* BYE [UNAVAILABLE] server shutting down"), ClassTransient},
		{"google 503", &googleapi.Error{Code: 503}, ClassTransient},
		{"google 429", &googleapi.Error{Code: 429}, ClassTransient},
		{"google 401", &googleapi.Error{Code: 401}, ClassAuthRetryable},
		{"imap auth failed", errors.New("NO [AUTHENTICATIONFAILED] Invalid credentials"), ClassAuthRetryable},
		{"revoked grant", ErrCredentialRevoked, ClassFatal},
		{"wrapped revoked grant", errors.Wrap(ErrCredentialRevoked, "resolve credential"), ClassFatal},
		{"oauth invalid_grant", &oauth2.RetrieveError{ErrorCode: "invalid_grant"}, ClassFatal},
		{"unknown", errors.New("something odd"), ClassFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestIsFatalAuth(t *testing.T) {
	assert.True(t, IsFatalAuth(ErrNoRefreshToken))
	assert.True(t, IsFatalAuth(&oauth2.RetrieveError{ErrorCode: "invalid_client"}))
	assert.False(t, IsFatalAuth(errors.New("connection refused")))
}
