package postgres

import (
	"context"

	"github.com/upb/funding-control-plane/config"
	"go.uber.org/zap"
)

// Open connects to PostgreSQL, ensures the schema and returns a document store
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Store, error) {
	db, err := NewDB(cfg, logger)
	if err != nil {
		return nil, err
	}

	if err := db.InitSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return NewStore(db, logger), nil
}
