package repo

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestFileConfigs(t *testing.T) {
	dir := t.TempDir()
	tenantID := uuid.New()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, tenantID.String()), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, tenantID.String(), "static.json"),
		[]byte(`{"pageSize": 25}`), 0o644))

	configs := NewFileConfigs(dir)

	doc, err := configs.Settings(context.Background(), tenantID, "static")
	require.NoError(t, err)
	require.JSONEq(t, `{"pageSize": 25}`, string(doc))

	// Unknown provider or tenant yields empty settings, not an error.
	doc, err = configs.Settings(context.Background(), tenantID, "clever")
	require.NoError(t, err)
	require.Nil(t, doc)

	doc, err = configs.Settings(context.Background(), uuid.New(), "static")
	require.NoError(t, err)
	require.Nil(t, doc)
}

func TestFileConfigsRejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	tenantID := uuid.New()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, tenantID.String()), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, tenantID.String(), "static.json"),
		[]byte(`{"pageSize":`), 0o644))

	_, err := NewFileConfigs(dir).Settings(context.Background(), tenantID, "static")
	require.Error(t, err)
}
