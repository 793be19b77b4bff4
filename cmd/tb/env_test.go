package main

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskbridge/internal/config"
)

func TestOverlayEnvUsesBotVariableNames(t *testing.T) {
	t.Setenv("PIPEFY_TOKEN", "pipefy-token")
	t.Setenv("PIPEFY_EM_ANDAMENTO_PHASE_ID", "999")
	t.Setenv("ADMIN_USERS", "9001, 9002,")
	t.Setenv("USER_MAPPINGS", `{"1001":"ana@example.com"}`)
	t.Setenv("MAX_TASKS_PER_USER", "5")

	cfg := config.Default()
	cfg.Identity.Emails = map[string]string{"1002": "bruno@example.com"}
	require.NoError(t, overlayEnv(viper.New(), cfg))

	assert.Equal(t, "pipefy-token", cfg.Board.Token)
	assert.Equal(t, "999", cfg.Board.Phases.InProgress)
	assert.Equal(t, "341905612", cfg.Board.Phases.Todo)
	assert.Equal(t, []string{"9001", "9002"}, cfg.Permissions.AdminUsers)
	assert.Equal(t, map[string]string{"1001": "ana@example.com", "1002": "bruno@example.com"}, cfg.Identity.Emails)
	assert.Equal(t, 5, cfg.Lifecycle.MaxTasksPerUser)
}

func TestOverlayEnvPrefersPrefixedName(t *testing.T) {
	t.Setenv("TASKBRIDGE_BOARD_TOKEN", "prefixed")
	t.Setenv("PIPEFY_TOKEN", "legacy")
	cfg := config.Default()
	require.NoError(t, overlayEnv(viper.New(), cfg))
	assert.Equal(t, "prefixed", cfg.Board.Token)
}

func TestOverlayEnvRejectsBadValues(t *testing.T) {
	t.Setenv("MAX_TASKS_PER_USER", "three")
	assert.ErrorContains(t, overlayEnv(viper.New(), config.Default()), "max_tasks_per_user")

	t.Setenv("MAX_TASKS_PER_USER", "")
	t.Setenv("USER_MAPPINGS", "{not json")
	assert.Error(t, overlayEnv(viper.New(), config.Default()))
}
