package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"taskbridge/internal/app"
	"taskbridge/internal/config"
	"taskbridge/internal/domain"
	"taskbridge/internal/server"
	taskbridgesdk "taskbridge/sdk/go"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "tb",
	Short: "taskbridge CLI",
	Long: `taskbridge drives tasks on a Pipefy board through a fixed lifecycle.
Core concepts:
- Lifecycle: To Do -> In Progress (take) -> In Review (complete) -> Done (approve); release returns a task to To Do.
- Board: Pipefy is the source of truth; every command reads the card before changing it.
- Identity: platform user ids map to board emails via identity.emails or USER_MAPPINGS.
- Elevated users: admin_users and reviewer_roles may approve, assign and act on tasks owned by others.
- Gamification: completions and approvals award points, levels and achievements.
- Audit log: every transition is recorded locally, view with 'tb audit tail'.
Commands run in-process against the workspace by default; --server sends them to a running 'tb serve'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKBRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/taskbridge.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("server", "", "taskbridge API base URL; commands run locally when empty")
	flags.String("token", "", "bearer token for --server")
	flags.String("user-id", "", "platform user id acting in local mode")
	flags.String("username", "", "platform username acting in local mode")
	flags.String("roles", "", "comma separated role ids of the local user")
	for _, name := range []string{"workspace", "config", "json", "server", "token", "user-id", "username", "roles"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(leaderboardCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(gamificationCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("TASKBRIDGE_JWT_SECRET is required for bearer auth")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Serve(ctx, addr, secret)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var userID, username, roles string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("TASKBRIDGE_JWT_SECRET is required")
			}
			tok, err := server.SignToken(secret, domain.Caller{ID: userID, Username: username, Roles: config.SplitList(roles)}, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "sub", "", "platform user id (required)")
	cmd.Flags().StringVar(&username, "name", "", "platform username")
	cmd.Flags().StringVar(&roles, "role", "", "comma separated role ids")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; 0 never expires")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage taskbridge.yml",
	}
	cfgCmd.AddCommand(configInitCmd())
	cfgCmd.AddCommand(configShowCmd())
	cfgCmd.AddCommand(configValidateCmd())
	return cfgCmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config, environment overrides included",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			shown := *cfg
			if shown.Board.Token != "" {
				shown.Board.Token = "********"
			}
			if viper.GetBool("json") {
				return printJSON(shown)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(shown)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	if err := overlayEnv(viper.GetViper(), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Config:    cfg,
		Logger:    app.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format),
		Version:   version,
	})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}

// withBackend runs fn against the remote API when --server is set and
// against an in-process app otherwise.
func withBackend(ctx context.Context, fn func(context.Context, backend) error) error {
	if base := viper.GetString("server"); base != "" {
		return fn(ctx, taskbridgesdk.New(base, viper.GetString("token")))
	}
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, localBackend{app: a, caller: localCaller()})
	})
}

func localCaller() domain.Caller {
	return domain.Caller{
		ID:       strings.TrimSpace(viper.GetString("user-id")),
		Username: strings.TrimSpace(viper.GetString("username")),
		Roles:    config.SplitList(viper.GetString("roles")),
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
