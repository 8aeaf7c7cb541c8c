package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/classtab/roster-sync/domains/sync/be/service"
)

// FileConfigs serves provider settings documents from a directory tree laid
// out as <dir>/<tenant-id>/<provider>.json. A missing file yields an empty
// settings document, which adapters treat as their defaults.
//
// It reads from disk on every call so settings edits apply to the next run
// without a restart.
type FileConfigs struct {
	dir string
}

// NewFileConfigs builds a FileConfigs rooted at dir.
func NewFileConfigs(dir string) *FileConfigs {
	return &FileConfigs{dir: dir}
}

func (c *FileConfigs) Settings(_ context.Context, tenantID uuid.UUID, providerName string) (json.RawMessage, error) {
	path := filepath.Join(c.dir, tenantID.String(), providerName+".json")
	doc, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read provider settings %s: %w", path, err)
	}
	if !json.Valid(doc) {
		return nil, fmt.Errorf("provider settings %s is not valid JSON", path)
	}
	return doc, nil
}

var _ service.ProviderConfigSource = (*FileConfigs)(nil)
