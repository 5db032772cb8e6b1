package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cli runs commands against a database and backup directory under one temp dir.
func cli(t *testing.T) func(args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")
	cfg := "database:\n  path: " + filepath.Join(dir, "data", "vault.db") + "\n" +
		"backup:\n  dir: " + filepath.Join(dir, "backups") + "\n  keep: 1\n"
	require.NoError(t, os.WriteFile(configFile, []byte(cfg), 0600))

	return func(args ...string) (string, error) {
		var out bytes.Buffer
		err := run(append([]string{"-config", configFile, "-env", dir}, args...), &out)
		return out.String(), err
	}
}

func TestCLI_Workflow(t *testing.T) {
	cardvault := cli(t)
	dir := t.TempDir()

	out, err := cardvault("migrate", "-dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "pending 0001_init.sql")

	out, err = cardvault("migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "applied 0001_init.sql")

	out, err = cardvault("migrate", "-status")
	require.NoError(t, err)
	assert.Contains(t, out, "0001_init.sql")
	assert.Contains(t, out, "applied")

	cards := filepath.Join(dir, "cards.csv")
	require.NoError(t, os.WriteFile(cards, []byte(
		"uuid,name,set_code,type_line\n"+
			"0f3c2a7e-1111-4222-8333-444455556666,Lightning Bolt,LEA,Instant\n"+
			"1f3c2a7e-1111-4222-8333-444455556666,Counterspell,LEA,Instant\n"+
			",No Uuid,LEA,Instant\n"), 0600))
	out, err = cardvault("import", "-csv", cards)
	require.NoError(t, err)
	assert.Equal(t, "read 3, imported 2, skipped 1\n", out)

	prices := filepath.Join(dir, "prices.csv")
	require.NoError(t, os.WriteFile(prices, []byte(
		"uuid,price_cents\n0f3c2a7e-1111-4222-8333-444455556666,150\n"), 0600))
	out, err = cardvault("prices", "-csv", prices)
	require.NoError(t, err)
	assert.Equal(t, "read 1, imported 1, skipped 0\n", out)

	out, err = cardvault("search", "-limit", "5", "lightning")
	require.NoError(t, err)
	assert.Contains(t, out, "Lightning Bolt")
	assert.NotContains(t, out, "Counterspell")

	out, err = cardvault("verify")
	require.NoError(t, err)
	assert.Equal(t, "search index ok\n", out)

	_, err = cardvault("reindex")
	require.NoError(t, err)

	out, err = cardvault("backup")
	require.NoError(t, err)
	assert.Contains(t, out, "cardvault-")
}

func TestCLI_Errors(t *testing.T) {
	cardvault := cli(t)

	_, err := cardvault()
	assert.Error(t, err)

	_, err = cardvault("frobnicate")
	assert.ErrorContains(t, err, "unknown command")

	_, err = cardvault("import")
	assert.ErrorContains(t, err, "-csv is required")

	_, err = cardvault("search")
	assert.Error(t, err)
}
