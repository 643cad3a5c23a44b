package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/example/lakebase/internal/config"
	"github.com/example/lakebase/internal/credential"
	"github.com/example/lakebase/internal/lakebase"
	"github.com/example/lakebase/internal/migrations"
)

// global flags
var (
	migrationsDir string
	steps         int
)

var factory *lakebase.Factory

var rootCmd = &cobra.Command{
	Use:           "migrate",
	Short:         "Manage the Lakebase dashboard schema",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.New()
		if err != nil {
			return err
		}
		if lvl, err := zerolog.ParseLevel(c.LogLevel); err == nil {
			zerolog.SetGlobalLevel(lvl)
		}
		if !cmd.Flags().Changed("dir") {
			migrationsDir = c.MigrationsDir
		}

		provider := credential.NewProvider(c.IdentityClient(), c.RefreshInterval, log.Logger)
		factory, err = lakebase.NewFactory(c.Connection(), provider, c.OperationTimeout)
		if err != nil {
			return err
		}
		log.Debug().Stringer("target", c.Connection()).Str("dir", migrationsDir).Msg("using lakebase")
		return nil
	},
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withRunner(cmd, func(r *migrations.Runner) error {
			if err := r.Up(steps); err != nil {
				return err
			}
			fmt.Println("✓ Migrations applied successfully")
			return nil
		})
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withRunner(cmd, func(r *migrations.Runner) error {
			if err := r.Down(steps); err != nil {
				return err
			}
			fmt.Println("✓ Migrations rolled back successfully")
			return nil
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current migration version",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withRunner(cmd, func(r *migrations.Runner) error {
			v, dirty, err := r.Version()
			if err != nil {
				return err
			}
			if dirty {
				return fmt.Errorf("database is in a dirty state (version %d)", v)
			}
			fmt.Printf("Current migration version: %d\n", v)
			return nil
		})
	},
}

var forceCmd = &cobra.Command{
	Use:   "force VERSION",
	Short: "Set the migration version without running migrations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := strconv.Atoi(args[0])
		if err != nil || version < 0 {
			return fmt.Errorf("invalid version %q", args[0])
		}
		return withRunner(cmd, func(r *migrations.Runner) error {
			if err := r.Force(version); err != nil {
				return err
			}
			fmt.Printf("✓ Forced database to version %d\n", version)
			return nil
		})
	},
}

// checkCmd opens one scoped connection and reports the server version.
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify that a connection to Lakebase can be established",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		return factory.WithConnection(ctx, func(s *lakebase.Scope) error {
			out, err := s.Execute(ctx, "SELECT version()")
			if err != nil {
				return err
			}
			if len(out.Rows) == 1 {
				v, _ := out.Rows[0].Get("version")
				fmt.Printf("✓ Connected: %v\n", v)
			}
			return nil
		})
	},
}

func withRunner(cmd *cobra.Command, fn func(*migrations.Runner) error) error {
	r, err := migrations.New(cmd.Context(), factory, migrationsDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := r.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close migration runner")
		}
	}()
	return fn(r)
}

func init() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	rootCmd.PersistentFlags().StringVar(&migrationsDir, "dir", "./migrations", "Directory holding the migration files")
	upCmd.Flags().IntVar(&steps, "steps", 0, "Number of migrations to apply (0 applies all)")
	downCmd.Flags().IntVar(&steps, "steps", 0, "Number of migrations to roll back (0 rolls back all)")

	rootCmd.AddCommand(upCmd, downCmd, versionCmd, forceCmd, checkCmd)
}

func main() {
	ctx := log.Logger.WithContext(context.Background())
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrate failed")
	}
}
