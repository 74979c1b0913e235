package dbclone

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/runtime"
)

// fakeRuntime records Exec calls and serves canned psql replies.
type fakeRuntime struct {
	calls   [][]string
	existing map[string]bool
}

func (f *fakeRuntime) Create(ctx context.Context, spec *runtime.ContainerSpec) error { return nil }
func (f *fakeRuntime) Remove(ctx context.Context, name string) error                 { return nil }
func (f *fakeRuntime) Inspect(ctx context.Context, name string) (runtime.ContainerStatus, error) {
	return runtime.StatusRunning, nil
}
func (f *fakeRuntime) Logs(ctx context.Context, name string, n int) ([]string, error) {
	return nil, nil
}
func (f *fakeRuntime) Close() error { return nil }

func (f *fakeRuntime) Exec(ctx context.Context, name string, command []string, stdin string) (string, error) {
	f.calls = append(f.calls, command)
	joined := strings.Join(command, " ")
	if strings.Contains(joined, "pg_database WHERE datname") {
		for db, ok := range f.existing {
			if ok && strings.Contains(joined, "'"+db+"'") {
				return "1\n", nil
			}
		}
		return "\n", nil
	}
	if strings.Contains(joined, "CREATE DATABASE") {
		f.existing[command[len(command)-1][len("CREATE DATABASE "):]] = true
	}
	if strings.Contains(joined, "pg_database_size") {
		return "734003\n", nil
	}
	return "", nil
}

func newFake(existing ...string) *fakeRuntime {
	f := &fakeRuntime{existing: make(map[string]bool)}
	for _, db := range existing {
		f.existing[db] = true
	}
	return f
}

func TestCreateSkipsExisting(t *testing.T) {
	rt := newFake("acme_board")
	c := New(rt, "corral-appdb")

	require.NoError(t, c.Create(context.Background(), "acme_board"))

	for _, call := range rt.calls {
		assert.NotContains(t, strings.Join(call, " "), "CREATE DATABASE")
	}
}

func TestClonePipesDump(t *testing.T) {
	rt := newFake("acme_board")
	c := New(rt, "corral-appdb")

	require.NoError(t, c.Clone(context.Background(), "acme_board", "acme_board_fix_login"))

	var sawPipe bool
	for _, call := range rt.calls {
		joined := strings.Join(call, " ")
		if strings.Contains(joined, "pg_dump") && strings.Contains(joined, "| psql") {
			sawPipe = true
			assert.Contains(t, joined, "acme_board")
			assert.Contains(t, joined, "acme_board_fix_login")
		}
	}
	assert.True(t, sawPipe, "expected a pg_dump | psql pipeline")
}

func TestDropAbsentIsNoop(t *testing.T) {
	rt := newFake()
	c := New(rt, "corral-appdb")

	require.NoError(t, c.Drop(context.Background(), "ghost_db"))

	for _, call := range rt.calls {
		assert.NotContains(t, strings.Join(call, " "), "DROP DATABASE")
	}
}

func TestRejectsUnsafeNames(t *testing.T) {
	c := New(newFake(), "corral-appdb")
	ctx := context.Background()

	assert.Error(t, c.Create(ctx, "acme;drop"))
	assert.Error(t, c.Clone(ctx, "ok_db", "bad-name"))
	_, err := c.Exists(ctx, "Robert'); DROP TABLE")
	assert.Error(t, err)
}

func TestSize(t *testing.T) {
	c := New(newFake("acme_board"), "corral-appdb")

	size, err := c.Size(context.Background(), "acme_board")
	require.NoError(t, err)
	assert.Equal(t, int64(734003), size)
}
