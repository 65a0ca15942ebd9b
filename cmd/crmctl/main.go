// Command crmctl runs schema migrations and operator tasks against the CRM
// database.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"brightdesk.io/crm/internal/config"
	"brightdesk.io/crm/internal/obs"
)

var version = "0.1.0"

type globalFlags struct {
	dsn      string
	logLevel string
	envFile  string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "crmctl",
		Short:         "CRM operator tool",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotenv(g.envFile); err != nil {
				return err
			}
			if g.dsn == "" {
				g.dsn = os.Getenv("CRM_DATABASE_URL")
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&g.dsn, "dsn", "", "PostgreSQL DSN (default $CRM_DATABASE_URL)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "Optional dotenv file")

	cmd.AddCommand(
		migrateCmd(g),
		keygenCmd(),
		sessionsCmd(g),
		usersCmd(g),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "crmctl %s\n", version)
			},
		},
	)
	return cmd
}

func (g *globalFlags) logger() (*zap.Logger, error) {
	return obs.NewLogger(g.logLevel)
}

func (g *globalFlags) requireDSN() error {
	if g.dsn == "" {
		return fmt.Errorf("missing DSN: provide --dsn or CRM_DATABASE_URL")
	}
	return nil
}
