package replication

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CheckPrerequisites verifies over a regular SQL connection that the
// server can support a logical replication session for the given user.
// All failures are collected rather than stopping at the first, so an
// operator can fix everything in one pass.
func CheckPrerequisites(ctx context.Context, conn *pgx.Conn, user string) []error {
	var errs []error
	for _, prereq := range []func(context.Context, *pgx.Conn, string) error{
		prerequisiteWALLevel,
		prerequisiteReplicationRole,
	} {
		if err := prereq(ctx, conn, user); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func prerequisiteWALLevel(ctx context.Context, conn *pgx.Conn, _ string) error {
	var level string
	if err := conn.QueryRow(ctx, `SHOW wal_level;`).Scan(&level); err != nil {
		return fmt.Errorf("unable to query 'wal_level' system variable: %w", err)
	} else if level != "logical" {
		return fmt.Errorf("logical replication isn't enabled: current wal_level = %q", level)
	}
	return nil
}

func prerequisiteReplicationRole(ctx context.Context, conn *pgx.Conn, user string) error {
	var replication, super bool
	if err := conn.QueryRow(ctx, `SELECT rolreplication, rolsuper FROM pg_catalog.pg_roles WHERE rolname = $1`, user).Scan(&replication, &super); err != nil {
		return fmt.Errorf("error querying REPLICATION role for user %q: %w", user, err)
	}
	if !replication && !super {
		return fmt.Errorf("user %q must have the REPLICATION role", user)
	}
	return nil
}
