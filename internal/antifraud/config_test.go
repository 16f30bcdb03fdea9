package antifraud

import (
	"testing"
	"time"

	"github.com/robertarktes/ticket-admission/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestFromSettings(t *testing.T) {
	cfg := FromSettings(&config.Config{
		StorageTimeout: 750 * time.Millisecond,
		Guard:          config.GuardConfig{CodeLimit: 3, CodeWindow: time.Minute},
	})

	assert.Equal(t, 3, cfg.CodeLimit)
	assert.Equal(t, time.Minute, cfg.CodeWindow)
	assert.Equal(t, DefaultConfig().ValidatorLimit, cfg.ValidatorLimit)
	assert.Equal(t, DefaultConfig().AnomalyFailureRatio, cfg.AnomalyFailureRatio)
	assert.Equal(t, 750*time.Millisecond, cfg.CheckTimeout)
	assert.False(t, cfg.FailClosed)
}
