// Package backend opens the queue store and catalog for the configured
// state driver. The daemon and every handler process go through Open, each
// with its own connection.
package backend

import (
	"context"
	"fmt"

	"github.com/mattjoyce/scanq/internal/catalog"
	"github.com/mattjoyce/scanq/internal/config"
	"github.com/mattjoyce/scanq/internal/queue"
	"github.com/mattjoyce/scanq/internal/storage"
)

type Backend struct {
	Driver  string
	Queue   queue.Store
	Catalog catalog.Catalog
	close   func() error
}

func Open(ctx context.Context, cfg config.StateConfig, opts ...queue.Option) (*Backend, error) {
	switch cfg.Driver {
	case config.DriverSQLite, "":
		db, err := storage.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return &Backend{
			Driver:  config.DriverSQLite,
			Queue:   queue.NewSQLite(db, opts...),
			Catalog: catalog.NewSQLite(db),
			close:   db.Close,
		}, nil

	case config.DriverPostgres:
		pool, err := storage.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return &Backend{
			Driver:  config.DriverPostgres,
			Queue:   queue.NewPostgres(pool, opts...),
			Catalog: catalog.NewPostgres(pool),
			close: func() error {
				pool.Close()
				return nil
			},
		}, nil

	default:
		return nil, fmt.Errorf("unknown state driver %q", cfg.Driver)
	}
}

func (b *Backend) Close() error {
	if b == nil || b.close == nil {
		return nil
	}
	err := b.close()
	b.close = nil
	return err
}
