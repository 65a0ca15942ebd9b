// Package migrations embeds the schema migrations and seed data.
package migrations

import "embed"

// FS holds sql/*.up.sql, sql/*.down.sql and seeds/*.sql.
//
//go:embed sql/*.sql seeds/*.sql
var FS embed.FS

const (
	MigrationsDir = "sql"
	SeedsDir      = "seeds"
)

// Built-in role ids created by the seeds.
const (
	RoleAdminID      = "01J0000000000000000000R001"
	RoleSalesID      = "01J0000000000000000000R002"
	RoleSupportID    = "01J0000000000000000000R003"
	RoleFinanceID    = "01J0000000000000000000R004"
	RoleComplianceID = "01J0000000000000000000R005"
)
