// pulsectl is the operator CLI: trigger weekly runs, inspect and clear run
// locks, apply migrations.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/pulsehq/pulse-sdk/migrations"
	"github.com/pulsehq/pulse-sdk/modules/insight"
	"github.com/pulsehq/pulse-sdk/modules/insight/domain/aggregate"
	"github.com/pulsehq/pulse-sdk/modules/insight/domain/weekclock"
	"github.com/pulsehq/pulse-sdk/modules/insight/services"
	"github.com/pulsehq/pulse-sdk/pkg/composables"
	"github.com/pulsehq/pulse-sdk/pkg/configuration"
	"github.com/pulsehq/pulse-sdk/pkg/eventbus"
)

func main() {
	root := &cobra.Command{
		Use:           "pulsectl",
		Short:         "Operate the weekly intelligence pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(), locksCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func withModule(fn func(ctx context.Context, m *insight.Module) error) error {
	conf := configuration.Use()
	defer conf.Unload()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, conf.Database.Opts)
	if err != nil {
		return err
	}
	defer pool.Close()

	module, err := insight.NewModule(conf, eventbus.NewEventPublisher(conf.Logger()))
	if err != nil {
		return err
	}
	return fn(composables.WithPool(ctx, pool), module)
}

func runCmd() *cobra.Command {
	var (
		weekOffset int
		week       string
		scopeKind  string
		scopeID    string
		mode       string
		dryRun     bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Trigger one pipeline run",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := parseScope(scopeKind, scopeID)
			if err != nil {
				return err
			}
			var weekStart time.Time
			if week != "" {
				weekStart, err = time.ParseInLocation("2006-01-02", week, time.UTC)
				if err != nil {
					return fmt.Errorf("invalid --week, expected YYYY-MM-DD: %w", err)
				}
			}
			return withModule(func(ctx context.Context, m *insight.Module) error {
				result, err := m.Pipeline.Run(ctx, services.RunRequest{
					WeekOffset: weekOffset,
					WeekStart:  weekStart,
					Scope:      scope,
					Mode:       aggregate.RunMode(mode),
					DryRun:     dryRun,
				})
				if err != nil {
					return err
				}
				fmt.Printf("run %s week %s status %s\n", result.RunID, result.WeekLabel, result.Status)
				fmt.Printf("  teams %d/%d ok, upserts %d, skips %d, interpretations %d generated / %d cached\n",
					result.Counts.TeamsSuccess, result.Counts.TeamsTotal,
					result.Counts.PipelineUpserts, result.Counts.PipelineSkips,
					result.Counts.InterpretationGenerations, result.Counts.InterpretationCacheHits,
				)
				for _, e := range result.Errors {
					fmt.Println("  error:", e)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&weekOffset, "week-offset", -1, "week offset from the current week")
	cmd.Flags().StringVar(&week, "week", "", "target week by date (YYYY-MM-DD), overrides --week-offset")
	cmd.Flags().StringVar(&scopeKind, "scope", "global", "run scope: global, org or team")
	cmd.Flags().StringVar(&scopeID, "scope-id", "", "org or team id for non-global scopes")
	cmd.Flags().StringVar(&mode, "mode", string(aggregate.ModeFull), "FULL, PIPELINE_ONLY or INTERPRETATION_ONLY")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute without writing or calling the provider")
	return cmd
}

func locksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and clear run locks",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stuck (expired, unreleased) locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withModule(func(ctx context.Context, m *insight.Module) error {
				locks, err := m.Locks.ListStuck(ctx, time.Now().UTC())
				if err != nil {
					return err
				}
				if len(locks) == 0 {
					fmt.Println("no stuck locks")
					return nil
				}
				for _, l := range locks {
					fmt.Printf("%s week %s run %s expired %s\n",
						l.Scope, weekclock.Label(l.WeekStart), l.RunID, l.ExpiresAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}

	var (
		scope string
		week  string
	)
	clear := &cobra.Command{
		Use:   "clear",
		Short: "Force-release one lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			weekStart, err := time.ParseInLocation("2006-01-02", week, time.UTC)
			if err != nil {
				return fmt.Errorf("invalid --week, expected YYYY-MM-DD: %w", err)
			}
			return withModule(func(ctx context.Context, m *insight.Module) error {
				if err := m.Locks.ForceRelease(ctx, scope, weekStart); err != nil {
					return err
				}
				fmt.Printf("released %s week %s\n", scope, weekclock.Label(weekStart))
				return nil
			})
		},
	}
	clear.Flags().StringVar(&scope, "scope", "", "lock scope, e.g. global or org:<id>")
	clear.Flags().StringVar(&week, "week", "", "week start date, YYYY-MM-DD")
	_ = clear.MarkFlagRequired("scope")
	_ = clear.MarkFlagRequired("week")

	cmd.AddCommand(list, clear)
	return cmd
}

func migrateCmd() *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf := configuration.Use()
			defer conf.Unload()

			db, err := sql.Open("pgx", conf.Database.Opts)
			if err != nil {
				return err
			}
			defer func() {
				_ = db.Close()
			}()

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if down {
				return migrations.Down(ctx, db)
			}
			return migrations.Up(ctx, db)
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back the latest migration")
	return cmd
}

func parseScope(kind, id string) (aggregate.Scope, error) {
	switch aggregate.ScopeKind(kind) {
	case aggregate.ScopeGlobal:
		return aggregate.GlobalScope(), nil
	case aggregate.ScopeOrg:
		orgID, err := uuid.Parse(id)
		if err != nil {
			return aggregate.Scope{}, fmt.Errorf("invalid org id: %w", err)
		}
		return aggregate.OrgScope(orgID), nil
	case aggregate.ScopeTeam:
		teamID, err := uuid.Parse(id)
		if err != nil {
			return aggregate.Scope{}, fmt.Errorf("invalid team id: %w", err)
		}
		return aggregate.TeamScope(teamID), nil
	default:
		return aggregate.Scope{}, fmt.Errorf("unknown scope %q", kind)
	}
}
