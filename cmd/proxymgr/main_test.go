package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/loykin/proxymgr"
	"github.com/loykin/proxymgr/internal/store"
	"github.com/loykin/proxymgr/internal/store/factory"
	"github.com/loykin/proxymgr/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func seed(t *testing.T, dir string, markers map[string]store.ServerRecord) {
	t.Helper()
	reg, err := factory.Open(context.Background(), dir, factory.Config{}, nil)
	require.NoError(t, err)
	defer func() { _ = reg.Close() }()
	for k, rec := range markers {
		require.NoError(t, reg.Refs.Set(context.Background(), k, rec))
		require.NoError(t, reg.Servers.Set(context.Background(), rec.ID, rec))
	}
}

func TestRootHasCommands(t *testing.T) {
	root := buildRoot()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"start", "shutdown", "list", "sweep", "serve"} {
		assert.Contains(t, names, want)
	}
}

func TestList_RedactsByDefault(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir, map[string]store.ServerRecord{"42_kA": storetest.Record("42_default", 7)})

	out, err := run(t, "list", "--data-dir", dir)
	require.NoError(t, err)
	var recs []store.ServerRecord
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "42_default", recs[0].ID)
	assert.Empty(t, recs[0].AuthSecret)

	out, err = run(t, "list", "--data-dir", dir, "--show-secret", "--parent", "42")
	require.NoError(t, err)
	assert.Contains(t, out, `"auth_secret": "secret"`)

	_, err = run(t, "list", "--data-dir", dir, "--refs")
	assert.ErrorContains(t, err, "--parent")
	out, err = run(t, "list", "--data-dir", dir, "--refs", "--parent", "42")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	assert.Len(t, recs, 1)
}

func TestShutdown_UnknownReferenceIsNoop(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, "shutdown", "--data-dir", dir, "--caller", "kA", "--parent", "42", "--secret", "x")
	require.NoError(t, err)

	_, err = run(t, "shutdown", "--data-dir", dir, "--caller", "kA")
	assert.Error(t, err, "required flags")
}

func TestStart_Validation(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, "start", "--data-dir", dir, "--parent", "42")
	assert.ErrorContains(t, err, "--caller")

	_, err = run(t, "start", "--data-dir", dir, "--parent", "42", "--caller", "default", "--isolated")
	assert.ErrorContains(t, err, "caller_id")
}

func TestSweep_RemovesDeadContexts(t *testing.T) {
	dir := t.TempDir()
	// no process has pid 0x7ffffff0, so the context is dead
	dead := storetest.Record("2147483632_default", 5)
	seed(t, dir, map[string]store.ServerRecord{"2147483632_kA": dead})

	out, err := run(t, "sweep", "--data-dir", dir)
	require.NoError(t, err)
	assert.JSONEq(t, `{"removed":2}`, strings.TrimSpace(out))

	matches, err := filepath.Glob(filepath.Join(dir, "*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestConfigOverrides(t *testing.T) {
	c := &command{global: &GlobalFlags{DataDir: "/tmp/x", LogLevel: "debug"}}
	cfg, err := c.config()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x", cfg.DataDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Console)
}

func TestRemote_ListAndSweepThroughAPI(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	seed(t, dir, map[string]store.ServerRecord{"2147483632_kA": storetest.Record("2147483632_default", 5)})

	m, err := proxymgr.Open(context.Background(), proxymgr.Config{DataDir: dir})
	require.NoError(t, err)
	defer func() { _ = m.Close() }()
	srv := httptest.NewServer(m.Handler("/api/v1", false))
	defer srv.Close()
	api := srv.URL + "/api/v1"

	out, err := run(t, "--api-url", api, "list")
	require.NoError(t, err)
	assert.Contains(t, out, `"id": "2147483632_default"`)
	assert.NotContains(t, out, `"auth_secret"`)

	out, err = run(t, "--api-url", api, "sweep")
	require.NoError(t, err)
	assert.JSONEq(t, `{"removed":2}`, strings.TrimSpace(out))

	_, err = run(t, "--api-url", api, "shutdown", "--caller", "kA", "--parent", "42", "--secret", "x")
	require.NoError(t, err)
}

func TestSweep_TerminateFlag(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir, map[string]store.ServerRecord{"2147483632_kA": storetest.Record("2147483632_default", -1)})
	out, err := run(t, "sweep", "--data-dir", dir, "--terminate")
	require.NoError(t, err)
	assert.JSONEq(t, `{"removed":2}`, strings.TrimSpace(out))

	_, err = run(t, "--api-url", "http://127.0.0.1:1", "sweep", "--terminate")
	assert.ErrorContains(t, err, "terminate_orphans")
}
