package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	require.Equal(t, 3*time.Second, cfg.Confirmation.PollInterval)
	require.Equal(t, 60, cfg.Confirmation.MaxAttempts)
	require.Equal(t, 3*time.Minute, cfg.Confirmation.MaxWait())
	require.False(t, cfg.Kafka.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkoutd.yaml")

	content := `
server:
  port: "9000"
  allowed_origins: ["https://offers.example.com"]
gateway:
  base_url: https://pay.example.com/api
  message_origins: ["https://checkout.paystack.com"]
confirmation:
  poll_interval: 2s
  max_attempts: 10
pages:
  success_url: https://offers.example.com/thanks
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("PORT", "9100")
	t.Setenv("POLL_MAX_ATTEMPTS", "5")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "9100", cfg.Server.Port)
	require.Equal(t, []string{"https://offers.example.com"}, cfg.Server.AllowedOrigins)
	require.Equal(t, "https://pay.example.com/api", cfg.Gateway.BaseURL)
	require.Equal(t, []string{"https://checkout.paystack.com"}, cfg.Gateway.MessageOrigins)
	require.Equal(t, 2*time.Second, cfg.Confirmation.PollInterval)
	require.Equal(t, 5, cfg.Confirmation.MaxAttempts)
	require.Equal(t, "https://offers.example.com/thanks", cfg.Pages.SuccessURL)
	// untouched sections keep defaults
	require.Equal(t, "/payment/declined", cfg.Pages.DeclinedURL)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default().Gateway.BaseURL, cfg.Gateway.BaseURL)
}

func TestLoad_KafkaBrokersEnableKafka(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load("")
	require.NoError(t, err)
	require.True(t, cfg.Kafka.Enabled)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Confirmation.MaxAttempts = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Gateway.BaseURL = ""
	require.Error(t, cfg.Validate())
}
