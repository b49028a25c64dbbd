package memory

import (
	"context"
	"strings"
)

// NewStore creates a postgres-backed store when configured, otherwise the
// JSON file store.
func NewStore(ctx context.Context, databaseURL, filePath string, limits Limits) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewFileStore(filePath, limits), nil
	}
	return NewPostgresStore(ctx, databaseURL, limits)
}
