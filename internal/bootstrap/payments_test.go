package bootstrap

import (
	"errors"
	"fmt"
	"testing"
	"time"

	domainErrors "github.com/cassiomorais/venuepay/internal/domain/errors"
	"github.com/cassiomorais/venuepay/internal/infrastructure/config"
	"github.com/stretchr/testify/assert"
)

func TestBreakerSettings(t *testing.T) {
	s := breakerSettings(config.BreakerConfig{
		FailureThreshold:    3,
		ResetTimeout:        time.Second,
		MaxHalfOpenAttempts: 2,
	})

	assert.Equal(t, 3, s.FailureThreshold)
	assert.Equal(t, time.Second, s.ResetTimeout)
	assert.Equal(t, 2, s.MaxHalfOpenAttempts)

	tests := []struct {
		name    string
		err     error
		healthy bool
	}{
		{"success", nil, true},
		{"declined", fmt.Errorf("%w: card declined", domainErrors.ErrProviderRejected), true},
		{"unknown intent", domainErrors.ErrIntentNotFound, true},
		{"unavailable", domainErrors.ErrProviderUnavailable, false},
		{"timeout", domainErrors.ErrProviderTimeout, false},
		{"other", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.healthy, s.IsSuccessful(tt.err))
		})
	}
}
