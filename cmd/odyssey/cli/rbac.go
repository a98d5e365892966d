package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/odyssey-erp/odyssey-rbac/internal/rbac"
	"github.com/odyssey-erp/odyssey-rbac/internal/roles"
)

// Seeder installs the built-in permissions and system roles.
type Seeder interface {
	Bootstrap(ctx context.Context) (roles.BootstrapResult, error)
}

// ConflictAuditor lists ALLOW/DENY collisions in a user's effective grants.
type ConflictAuditor interface {
	AuditConflicts(ctx context.Context, userID int64, scope rbac.Scope) ([]rbac.Conflict, error)
}

// RBACOpsCLI offers operational helpers for the permission store.
type RBACOpsCLI struct {
	seeder  Seeder
	auditor ConflictAuditor
}

// NewRBACOpsCLI constructs a new helper instance.
func NewRBACOpsCLI(seeder Seeder, auditor ConflictAuditor) (*RBACOpsCLI, error) {
	if seeder == nil || auditor == nil {
		return nil, errors.New("rbac cli: seeder and auditor are required")
	}
	return &RBACOpsCLI{seeder: seeder, auditor: auditor}, nil
}

// SeedOptions defines flags for the seed command.
type SeedOptions struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// SeedCommand runs the bootstrap and prints what it created.
func (c *RBACOpsCLI) SeedCommand(ctx context.Context, opts SeedOptions) int {
	stdout, stderr := outputs(opts.Stdout, opts.Stderr)
	result, err := c.seeder.Bootstrap(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "rbac seed: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(stdout).Encode(result); err != nil {
			_, _ = fmt.Fprintf(stderr, "rbac seed: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	if result.RolesCreated == 0 && result.BindingsCreated == 0 {
		_, _ = fmt.Fprintf(stdout, "System roles already up to date (%d permissions checked).\n", result.Permissions)
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "Seeded %d role(s) and %d binding(s); %d permissions ensured.\n",
		result.RolesCreated, result.BindingsCreated, result.Permissions)
	return 0
}

// ConflictsOptions defines flags for the conflicts command.
type ConflictsOptions struct {
	UserID         int64
	OrganizationID int64
	DepartmentID   int64
	JSONOutput     bool
	Stdout         io.Writer
	Stderr         io.Writer
}

// ConflictsSummary describes the JSON response for the conflicts command.
type ConflictsSummary struct {
	OK        bool            `json:"ok"`
	UserID    int64           `json:"user_id"`
	Conflicts []rbac.Conflict `json:"conflicts"`
}

// ConflictsCommand audits one user. It exits 10 when conflicts exist so
// scripts can tell a clean report from a failed run.
func (c *RBACOpsCLI) ConflictsCommand(ctx context.Context, opts ConflictsOptions) int {
	stdout, stderr := outputs(opts.Stdout, opts.Stderr)
	if opts.UserID <= 0 {
		_, _ = fmt.Fprintln(stderr, "rbac conflicts: --user is required and must be positive")
		return 1
	}
	scope := rbac.Scope{OrganizationID: opts.OrganizationID, DepartmentID: opts.DepartmentID}
	if scope.DepartmentID != 0 && scope.OrganizationID == 0 {
		_, _ = fmt.Fprintln(stderr, "rbac conflicts: --dept requires --org")
		return 1
	}
	conflicts, err := c.auditor.AuditConflicts(ctx, opts.UserID, scope)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "rbac conflicts: %v\n", err)
		return 1
	}
	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].Permission < conflicts[j].Permission
	})
	if opts.JSONOutput {
		summary := ConflictsSummary{OK: len(conflicts) == 0, UserID: opts.UserID, Conflicts: conflicts}
		if summary.Conflicts == nil {
			summary.Conflicts = []rbac.Conflict{}
		}
		if err := json.NewEncoder(stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(stderr, "rbac conflicts: encode json: %v\n", err)
			return 1
		}
	} else {
		renderConflictsHuman(stdout, opts.UserID, conflicts)
	}
	if len(conflicts) > 0 {
		return 10
	}
	return 0
}

func renderConflictsHuman(out io.Writer, userID int64, conflicts []rbac.Conflict) {
	if len(conflicts) == 0 {
		_, _ = fmt.Fprintf(out, "No conflicting grants for user %d.\n", userID)
		return
	}
	_, _ = fmt.Fprintf(out, "%d conflict(s) for user %d:\n", len(conflicts), userID)
	for _, c := range conflicts {
		effects := make([]string, len(c.Effects))
		for i, e := range c.Effects {
			effects[i] = string(e)
		}
		where := "global"
		if c.OrganizationID != 0 {
			where = fmt.Sprintf("org %d", c.OrganizationID)
			if c.DepartmentID != 0 {
				where += fmt.Sprintf(" dept %d", c.DepartmentID)
			}
		}
		if c.ResourceID != "" {
			where += " resource " + c.ResourceID
		}
		_, _ = fmt.Fprintf(out, " - %s (%s) %s from roles %v\n", c.Permission, where, strings.Join(effects, "/"), c.RoleIDs)
	}
}

func outputs(stdout, stderr io.Writer) (io.Writer, io.Writer) {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return stdout, stderr
}
