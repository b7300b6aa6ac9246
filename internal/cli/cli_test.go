package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"localpulse/internal/auth"
	"localpulse/internal/config"
)

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("LOCALPULSE_CLI_TEST_A=from-file\nLOCALPULSE_CLI_TEST_B=from-file\n"), 0o600))
	t.Cleanup(func() {
		_ = os.Unsetenv("LOCALPULSE_CLI_TEST_A")
		_ = os.Unsetenv("LOCALPULSE_CLI_TEST_B")
	})
	t.Setenv("LOCALPULSE_CLI_TEST_B", "from-env")

	require.NoError(t, loadEnv(path, true))
	require.Equal(t, "from-file", os.Getenv("LOCALPULSE_CLI_TEST_A"))
	require.Equal(t, "from-env", os.Getenv("LOCALPULSE_CLI_TEST_B"))

	missing := filepath.Join(dir, "missing.env")
	require.NoError(t, loadEnv(missing, false))
	require.Error(t, loadEnv(missing, true))
	require.NoError(t, loadEnv("", true))
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := &config.Config{
		MatchRadiusMeters:    400,
		MatchTimeWindow:      2 * time.Hour,
		MatchAcceptThreshold: 0.6,
		MergeMaxAttempts:     5,
		UpvoteMaxAttempts:    12,
	}
	policy := PolicyFromConfig(cfg)
	require.NoError(t, policy.Validate())
	require.Equal(t, 400.0, policy.MatchRadiusMeters)
	require.Equal(t, 2*time.Hour, policy.TimeWindow)
	require.Equal(t, 0.6, policy.AcceptThreshold)
	require.Equal(t, 5, policy.MaxAttempts)
	require.Equal(t, 12, policy.UpvoteMaxAttempts)
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("IDENTITY_TOKEN_SECRET", "cli-secret")

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "--user", "u1", "--name", "Avery", "--ttl", "1h", "--env", filepath.Join(t.TempDir(), "none.env")})
	err := cmd.Execute()
	require.Error(t, err, "an explicit env file that does not exist must fail")

	out.Reset()
	cmd = NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "--user", "u1", "--name", "Avery", "--ttl", "1h"})
	require.NoError(t, cmd.Execute())

	claims, err := auth.ParseToken([]byte("cli-secret"), strings.TrimSpace(out.String()))
	require.NoError(t, err)
	require.Equal(t, "u1", claims.Subject)
	require.Equal(t, "Avery", claims.Name)
}

func TestTokenCommandRequiresUser(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"token"})
	require.ErrorContains(t, cmd.Execute(), "--user")
}

func TestLoadTaxonomyDefault(t *testing.T) {
	tax, err := loadTaxonomy("")
	require.NoError(t, err)
	require.Positive(t, tax.LeafCount())

	_, err = loadTaxonomy(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestOpenIdempotencyStoreDegrades(t *testing.T) {
	cfg := &config.Config{StoreBackend: config.BackendPostgres, IdempotencyTTL: time.Hour}
	keys, closeKeys := openIdempotencyStore(cfg, zerolog.Nop())
	require.Nil(t, keys)
	closeKeys()

	cfg.RedisURL = "redis://127.0.0.1:1/0"
	keys, closeKeys = openIdempotencyStore(cfg, zerolog.Nop())
	require.Nil(t, keys, "an unreachable redis must not stop the server")
	closeKeys()

	mr := miniredis.RunT(t)
	cfg.RedisURL = "redis://" + mr.Addr()
	keys, closeKeys = openIdempotencyStore(cfg, zerolog.Nop())
	require.NotNil(t, keys)
	defer closeKeys()
	require.NoError(t, keys.Ping(context.Background()))
}
