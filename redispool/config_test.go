package redispool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv(t *testing.T) {
	t.Setenv(envHost, "redis.internal")
	t.Setenv(envPort, "6380")
	t.Setenv(envUser, "app")
	t.Setenv(envPassword, "secret")
	t.Setenv(envDB, "2")
	t.Setenv(envSentinelHosts, "s1:26379, s2:26379")
	t.Setenv(envSentinelMaster, "mymaster")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "redis.internal", cfg.Host)
	assert.Equal(t, 6380, cfg.Port)
	assert.Equal(t, "app", cfg.User)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, 2, cfg.DB)
	assert.Equal(t, []string{"s1:26379", "s2:26379"}, cfg.SentinelHosts)
	assert.Equal(t, "mymaster", cfg.SentinelMaster)
}

func TestFromEnvInvalidPort(t *testing.T) {
	t.Setenv(envHost, "localhost")
	t.Setenv(envPort, "not-a-port")
	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), envPort)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		err  string
	}{
		{"valid single server", Config{Host: "localhost", Port: 6379}, ""},
		{"valid sentinel", Config{SentinelHosts: []string{"s1:26379"}, SentinelMaster: "m"}, ""},
		{"missing host", Config{Port: 6379}, envHost},
		{"missing port", Config{Host: "localhost"}, envPort},
		{"sentinel without master", Config{SentinelHosts: []string{"s1:26379"}}, envSentinelMaster},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.cfg.Validate()
			if c.err == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.err)
		})
	}
}

func TestNewClientMissingCAFile(t *testing.T) {
	cfg := Config{Host: "localhost", Port: 6379, TLSCAFile: "/does/not/exist.pem"}
	_, err := cfg.NewClient()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CA file")
}
