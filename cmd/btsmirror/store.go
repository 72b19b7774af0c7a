package main

import (
	"context"
	"fmt"

	"github.com/debian-tools/btsmirror/internal/config"
	"github.com/debian-tools/btsmirror/internal/storage"
	"github.com/debian-tools/btsmirror/internal/storage/dolt"
	"github.com/debian-tools/btsmirror/internal/storage/memory"
	"github.com/debian-tools/btsmirror/internal/storage/sqlite"
)

// openStore opens the link store selected by sc.Backend.
func openStore(ctx context.Context, sc config.StoreConfig) (storage.LinkStorage, error) {
	switch sc.Backend {
	case config.BackendSQLite, "":
		s, err := sqlite.New(ctx, sc.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open link store %s: %w", sc.Path, err)
		}
		return s, nil
	case config.BackendDolt:
		s, err := dolt.New(ctx, dolt.Config{
			Host:     sc.Host,
			Port:     sc.Port,
			User:     sc.User,
			Password: sc.Password,
			Database: sc.Database,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to dolt server: %w", err)
		}
		return s, nil
	case config.BackendMemory:
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", sc.Backend)
}
