package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"brightdesk.io/crm/internal/migrate"
	"brightdesk.io/crm/internal/store/pg"
	"brightdesk.io/crm/migrations"
)

func migrateCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect schema migrations",
	}
	run := func(fn func(cmd *cobra.Command, m *migrate.Manager) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			if err := g.requireDSN(); err != nil {
				return err
			}
			log, err := g.logger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			store, err := pg.Open(g.dsn, pg.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 1})
			if err != nil {
				return err
			}
			defer store.Close()
			m := migrate.NewManager(store.DB(), migrations.FS, migrations.MigrationsDir, migrations.SeedsDir,
				migrate.WithLogger(log))
			return fn(cmd, m)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: run(func(cmd *cobra.Command, m *migrate.Manager) error {
				applied, err := m.Up(cmd.Context())
				for _, name := range applied {
					fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
				}
				if err == nil && len(applied) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				}
				return err
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: run(func(cmd *cobra.Command, m *migrate.Manager) error {
				name, err := m.Down(cmd.Context())
				if errors.Is(err, migrate.ErrNothingApplied) {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", name)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			Args:  cobra.NoArgs,
			RunE: run(func(cmd *cobra.Command, m *migrate.Manager) error {
				status, err := m.Status(cmd.Context())
				if err != nil {
					return err
				}
				for _, s := range status {
					state := "pending"
					if s.Applied {
						state = "applied"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s\n", state, s.Name)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "seed",
			Short: "Apply seed data (built-in roles)",
			Args:  cobra.NoArgs,
			RunE: run(func(cmd *cobra.Command, m *migrate.Manager) error {
				applied, err := m.Seed(cmd.Context())
				for _, name := range applied {
					fmt.Fprintf(cmd.OutOrStdout(), "seeded %s\n", name)
				}
				return err
			}),
		},
	)
	return cmd
}
