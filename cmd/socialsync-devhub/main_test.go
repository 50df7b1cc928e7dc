package main

import (
	"flag"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/socialsync/internal/devhub"
)

func parse(t *testing.T, args ...string) options {
	t.Helper()
	var opts options
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	registerFlags(fs, &opts)
	require.NoError(t, fs.Parse(args))
	return opts
}

func TestBuildConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := buildConfig(parse(t))
		require.NoError(t, err)
		assert.Equal(t, ":8080", cfg.Addr)
		assert.Empty(t, cfg.GRPCAddr)
		assert.Zero(t, cfg.WriteLag)
		assert.NotEmpty(t, cfg.SecretKey)
		assert.NotNil(t, cfg.Logger)
	})

	t.Run("flags", func(t *testing.T) {
		cfg, err := buildConfig(parse(t, "-addr", ":9000", "-grpc-addr", ":9001", "-lag", "300ms", "-secret", "s3cret"))
		require.NoError(t, err)
		assert.Equal(t, ":9000", cfg.Addr)
		assert.Equal(t, ":9001", cfg.GRPCAddr)
		assert.Equal(t, 300*time.Millisecond, cfg.WriteLag)
		assert.Equal(t, "s3cret", cfg.SecretKey)
	})

	t.Run("negative_lag", func(t *testing.T) {
		_, err := buildConfig(parse(t, "-lag", "-1s"))
		assert.Error(t, err)
	})

	t.Run("unknown_log_format", func(t *testing.T) {
		_, err := buildConfig(parse(t, "-log-format", "xml"))
		assert.Error(t, err)
	})
}

func TestSeed(t *testing.T) {
	world := devhub.NewWorld()

	require.NoError(t, seed(world, "lunch:alice,bob, carol"))
	members, err := world.Members("lunch")
	require.NoError(t, err)
	assert.Len(t, members, 3)
	assert.NoError(t, world.CheckMember("lunch", "carol"))

	for _, bad := range []string{"lunch", ":alice", "lunch:"} {
		assert.Error(t, seed(world, bad), bad)
	}
}
