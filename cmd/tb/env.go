package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"taskbridge/internal/config"
)

// envBindings maps config keys to the environment variables that override
// them. The unprefixed names are the ones the chat bot deployment already
// exports.
var envBindings = []struct {
	key  string
	envs []string
}{
	{"board.endpoint", []string{"TASKBRIDGE_BOARD_ENDPOINT"}},
	{"board.token", []string{"TASKBRIDGE_BOARD_TOKEN", "PIPEFY_TOKEN"}},
	{"board.pipe_id", []string{"TASKBRIDGE_BOARD_PIPE_ID", "PIPEFY_PIPE_ID"}},
	{"board.phases.backlog", []string{"PIPEFY_BACKLOG_PHASE_ID"}},
	{"board.phases.todo", []string{"PIPEFY_TODO_PHASE_ID"}},
	{"board.phases.in_progress", []string{"PIPEFY_EM_ANDAMENTO_PHASE_ID"}},
	{"board.phases.blocked", []string{"PIPEFY_BLOCKED_PHASE_ID"}},
	{"board.phases.in_review", []string{"PIPEFY_EM_REVISAO_PHASE_ID"}},
	{"board.phases.done", []string{"PIPEFY_CONCLUIDO_PHASE_ID"}},
	{"board.fields.responsible", []string{"PIPEFY_FIELD_RESPONSAVEL_ID"}},
	{"board.fields.responsible_email", []string{"PIPEFY_FIELD_EMAIL_RESPONSAVEL_ID"}},
	{"permissions.admin_users", []string{"TASKBRIDGE_ADMIN_USERS", "ADMIN_USERS"}},
	{"permissions.reviewer_roles", []string{"TASKBRIDGE_REVIEWER_ROLES", "PM_ROLE_ID"}},
	{"identity.emails", []string{"TASKBRIDGE_USER_MAPPINGS", "USER_MAPPINGS"}},
	{"identity.full_names", []string{"TASKBRIDGE_FULLNAME_MAPPINGS", "FULLNAME_MAPPINGS"}},
	{"lifecycle.max_tasks_per_user", []string{"TASKBRIDGE_MAX_TASKS_PER_USER", "MAX_TASKS_PER_USER"}},
	{"lifecycle.warning_hours", []string{"TASK_WARNING_HOURS"}},
	{"lifecycle.timeout_hours", []string{"TASK_TIMEOUT_HOURS"}},
	{"log.level", []string{"TASKBRIDGE_LOG_LEVEL", "LOG_LEVEL"}},
}

// overlayEnv applies environment overrides on top of the file config and
// re-validates the result.
func overlayEnv(v *viper.Viper, cfg *config.Config) error {
	for _, b := range envBindings {
		if err := v.BindEnv(append([]string{b.key}, b.envs...)...); err != nil {
			return err
		}
	}
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = strings.TrimSpace(v.GetString(key))
		}
	}
	num := func(key string, dst *int) error {
		if !v.IsSet(key) {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v.GetString(key)))
		if err != nil {
			return fmt.Errorf("%s must be a number: %w", key, err)
		}
		*dst = n
		return nil
	}
	mapping := func(key string, dst *map[string]string) error {
		if !v.IsSet(key) {
			return nil
		}
		m, err := config.ParseMappings(v.GetString(key))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if *dst == nil {
			*dst = map[string]string{}
		}
		for k, val := range m {
			(*dst)[k] = val
		}
		return nil
	}

	str("board.endpoint", &cfg.Board.Endpoint)
	str("board.token", &cfg.Board.Token)
	str("board.pipe_id", &cfg.Board.PipeID)
	str("board.phases.backlog", &cfg.Board.Phases.Backlog)
	str("board.phases.todo", &cfg.Board.Phases.Todo)
	str("board.phases.in_progress", &cfg.Board.Phases.InProgress)
	str("board.phases.blocked", &cfg.Board.Phases.Blocked)
	str("board.phases.in_review", &cfg.Board.Phases.InReview)
	str("board.phases.done", &cfg.Board.Phases.Done)
	str("board.fields.responsible", &cfg.Board.Fields.Responsible)
	str("board.fields.responsible_email", &cfg.Board.Fields.ResponsibleEmail)
	str("log.level", &cfg.Log.Level)
	if v.IsSet("permissions.admin_users") {
		cfg.Permissions.AdminUsers = config.SplitList(v.GetString("permissions.admin_users"))
	}
	if v.IsSet("permissions.reviewer_roles") {
		cfg.Permissions.ReviewerRoles = config.SplitList(v.GetString("permissions.reviewer_roles"))
	}
	for _, err := range []error{
		mapping("identity.emails", &cfg.Identity.Emails),
		mapping("identity.full_names", &cfg.Identity.FullNames),
		num("lifecycle.max_tasks_per_user", &cfg.Lifecycle.MaxTasksPerUser),
		num("lifecycle.warning_hours", &cfg.Lifecycle.WarningHours),
		num("lifecycle.timeout_hours", &cfg.Lifecycle.TimeoutHours),
	} {
		if err != nil {
			return err
		}
	}
	return cfg.Validate()
}
