package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"brightdesk.io/crm/internal/audit"
	"brightdesk.io/crm/internal/auth"
	"brightdesk.io/crm/internal/config"
	"brightdesk.io/crm/internal/crypt"
	"brightdesk.io/crm/internal/obs"
	"brightdesk.io/crm/internal/store/pg"
)

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a new random 256-bit encryption key (hex)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypt.GenerateToken(crypt.KeySize)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

// services is the auth stack built from the full runtime configuration.
type services struct {
	store *pg.Store
	auth  *auth.Service
	log   *zap.Logger
}

func (s *services) close() {
	_ = s.log.Sync()
	_ = s.store.Close()
}

func openServices(g *globalFlags) (*services, error) {
	if g.dsn != "" {
		// the flag wins over the environment
		if err := os.Setenv("CRM_DATABASE_URL", g.dsn); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := obs.NewLogger(g.logLevel)
	if err != nil {
		return nil, err
	}
	store, err := pg.Open(cfg.DatabaseURL, pg.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		return nil, err
	}
	box, err := crypt.NewFromHex(cfg.EncryptionKey)
	if err != nil {
		store.Close()
		return nil, err
	}
	writer, err := audit.NewWriter(store, log)
	if err != nil {
		store.Close()
		return nil, err
	}
	svc, err := auth.NewService(store, writer, box,
		auth.WithHasher(auth.NewBcryptHasher(cfg.BcryptCost)),
		auth.WithTOTP(auth.NewTOTP(cfg.TOTPIssuer)),
		auth.WithSessionTTL(cfg.SessionTTL),
		auth.WithLogger(log),
	)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &services{store: store, auth: svc, log: log}, nil
}

func sessionsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Session maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Delete expired sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svcs, err := openServices(g)
			if err != nil {
				return err
			}
			defer svcs.close()
			n, err := svcs.auth.SweepExpired(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired sessions\n", n)
			return nil
		},
	})
	return cmd
}

type newAdmin struct {
	email string
	name  string
	title string
	role  string
}

func usersCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "User administration without an HTTP session",
	}
	in := &newAdmin{}
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a user and print the temporary password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svcs, err := openServices(g)
			if err != nil {
				return err
			}
			defer svcs.close()
			user, temp, err := createUser(cmd.Context(), svcs.auth, *in)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "user:               %s\n", user.ID)
			fmt.Fprintf(out, "email:              %s\n", user.Email)
			fmt.Fprintf(out, "temporary password: %s\n", temp)
			return nil
		},
	}
	create.Flags().StringVar(&in.email, "email", "", "Email address (required)")
	create.Flags().StringVar(&in.name, "name", "", "Display name (required)")
	create.Flags().StringVar(&in.title, "title", "", "Job title, e.g. CTO")
	create.Flags().StringVar(&in.role, "role", "admin", "Role name")
	_ = create.MarkFlagRequired("email")
	_ = create.MarkFlagRequired("name")
	cmd.AddCommand(create)
	return cmd
}

type userCreator interface {
	ListRoles(ctx context.Context, actor auth.SessionUser) ([]auth.Role, error)
	CreateUser(ctx context.Context, actor auth.SessionUser, in auth.NewUser) (auth.User, string, error)
}

// createUser runs as the system actor, so the audit entry has no acting user.
func createUser(ctx context.Context, svc userCreator, in newAdmin) (auth.User, string, error) {
	actor := auth.SystemActor()
	roles, err := svc.ListRoles(ctx, actor)
	if err != nil {
		return auth.User{}, "", err
	}
	role, ok := findRole(roles, in.role)
	if !ok {
		return auth.User{}, "", fmt.Errorf("role %q not found; run 'crmctl migrate seed' first", in.role)
	}
	return svc.CreateUser(ctx, actor, auth.NewUser{
		Email:  in.email,
		Name:   in.name,
		Title:  in.title,
		RoleID: role.ID,
	})
}

func findRole(roles []auth.Role, name string) (auth.Role, bool) {
	name = strings.TrimSpace(name)
	for _, r := range roles {
		if strings.EqualFold(r.Name, name) {
			return r, true
		}
	}
	return auth.Role{}, false
}
