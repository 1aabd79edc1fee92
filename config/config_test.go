package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(nil)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, DriverSQLite, cfg.DBDriver)
	assert.Equal(t, "loyalty.db", cfg.DBPath)
	assert.Equal(t, int64(10), cfg.RewardCost)
	assert.Equal(t, int64(1), cfg.VoucherDefaultValue)
	assert.Equal(t, 5*time.Second, cfg.TxTimeout)
	assert.Equal(t, time.Hour, cfg.ReconcileInterval)
	assert.Equal(t, []string{"http://localhost:5173", "http://localhost:8080"}, cfg.AllowedOrigins)
}

func TestLoad_EnvironmentThenFlags(t *testing.T) {
	// GIVEN: Environment overrides
	t.Setenv("LOYALTY_PORT", "9000")
	t.Setenv("LOYALTY_DB_DRIVER", "memory")
	t.Setenv("LOYALTY_REWARD_COST", "25")
	t.Setenv("LOYALTY_TX_TIMEOUT", "750ms")
	t.Setenv("LOYALTY_RATE_LIMIT", "0.5")

	// WHEN: A flag overrides the port again
	cfg, err := load([]string{"-port", "9100", "-log-level", "debug"})
	require.NoError(t, err)

	// THEN: Flags win over the environment
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, DriverMemory, cfg.DBDriver)
	assert.Equal(t, int64(25), cfg.RewardCost)
	assert.Equal(t, 750*time.Millisecond, cfg.TxTimeout)
	assert.Equal(t, 0.5, cfg.RateLimit)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		args []string
	}{
		{"unknown driver", nil, []string{"-db-driver", "mongo"}},
		{"postgres without url", map[string]string{"LOYALTY_DB_DRIVER": "postgres"}, nil},
		{"bad port", nil, []string{"-port", "0"}},
		{"zero reward cost", map[string]string{"LOYALTY_REWARD_COST": "0"}, nil},
		{"unknown flag", nil, []string{"-nope"}},
		{"bad duration", map[string]string{"LOYALTY_TX_TIMEOUT": "soon"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := load(tt.args)
			assert.Error(t, err)
		})
	}
}

func TestNewLogger(t *testing.T) {
	log := Config{LogLevel: "warn", LogFormat: "json"}.NewLogger()
	assert.Equal(t, logrus.WarnLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)

	log = Config{LogLevel: "shouting"}.NewLogger()
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, log.Formatter)
}
