// Package dbclone manages tenant Postgres databases inside the shared
// database container. All operations shell out through the container
// runtime so no database port needs to be exposed on the host.
package dbclone

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/runtime"
)

var identRe = regexp.MustCompile(`^[a-z0-9_]+$`)

// Cloner creates, clones and drops tenant databases.
type Cloner struct {
	rt        runtime.Runtime
	container string
	user      string
}

// New creates a cloner operating on the named database container.
func New(rt runtime.Runtime, container string) *Cloner {
	return &Cloner{rt: rt, container: container, user: "postgres"}
}

// validIdent guards database names interpolated into SQL and shell
// commands. Names come from slugs with hyphens replaced by underscores.
func validIdent(name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("invalid database name: %q", name)
	}
	return nil
}

func (c *Cloner) psql(ctx context.Context, database, sql string) (string, error) {
	return c.rt.Exec(ctx, c.container, []string{
		"psql", "-U", c.user, "-d", database, "-tAc", sql,
	}, "")
}

// Exists reports whether the named database exists.
func (c *Cloner) Exists(ctx context.Context, name string) (bool, error) {
	if err := validIdent(name); err != nil {
		return false, err
	}
	out, err := c.psql(ctx, "postgres", fmt.Sprintf("SELECT 1 FROM pg_database WHERE datname = '%s'", name))
	if err != nil {
		return false, fmt.Errorf("failed to check database %s: %w", name, err)
	}
	return strings.TrimSpace(out) == "1", nil
}

// Create creates an empty database. No-op when it already exists.
func (c *Cloner) Create(ctx context.Context, name string) error {
	if err := validIdent(name); err != nil {
		return err
	}
	exists, err := c.Exists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		log.Debug(fmt.Sprintf("Database %s already exists", name))
		return nil
	}
	if _, err := c.psql(ctx, "postgres", fmt.Sprintf("CREATE DATABASE %s", name)); err != nil {
		return fmt.Errorf("failed to create database %s: %w", name, err)
	}
	log.Info(fmt.Sprintf("Database created: %s", name))
	return nil
}

// Clone copies source into a fresh target database by piping pg_dump into
// psql inside the container. An existing target is dropped first so clones
// are repeatable.
func (c *Cloner) Clone(ctx context.Context, source, target string) error {
	if err := validIdent(source); err != nil {
		return err
	}
	if err := validIdent(target); err != nil {
		return err
	}

	if err := c.Drop(ctx, target); err != nil {
		return err
	}
	if err := c.Create(ctx, target); err != nil {
		return err
	}

	cmd := fmt.Sprintf("pg_dump -U %s %s | psql -U %s -d %s -v ON_ERROR_STOP=1",
		c.user, source, c.user, target)
	if _, err := c.rt.Exec(ctx, c.container, []string{"sh", "-c", cmd}, ""); err != nil {
		return fmt.Errorf("failed to clone database %s into %s: %w", source, target, err)
	}

	log.Info(fmt.Sprintf("Database cloned: %s -> %s", source, target))
	return nil
}

// Drop terminates live connections and removes the database. No-op when
// it does not exist.
func (c *Cloner) Drop(ctx context.Context, name string) error {
	if err := validIdent(name); err != nil {
		return err
	}
	exists, err := c.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	terminate := fmt.Sprintf(
		"SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = '%s' AND pid <> pg_backend_pid()", name)
	if _, err := c.psql(ctx, "postgres", terminate); err != nil {
		log.Warn(fmt.Sprintf("Failed to terminate connections to %s: %v", name, err))
	}

	if _, err := c.psql(ctx, "postgres", fmt.Sprintf("DROP DATABASE IF EXISTS %s", name)); err != nil {
		return fmt.Errorf("failed to drop database %s: %w", name, err)
	}

	log.Info(fmt.Sprintf("Database dropped: %s", name))
	return nil
}

// Size returns the database size in bytes.
func (c *Cloner) Size(ctx context.Context, name string) (int64, error) {
	if err := validIdent(name); err != nil {
		return 0, err
	}
	out, err := c.psql(ctx, "postgres", fmt.Sprintf("SELECT pg_database_size('%s')", name))
	if err != nil {
		return 0, fmt.Errorf("failed to read size of %s: %w", name, err)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse database size: %w", err)
	}
	return size, nil
}
