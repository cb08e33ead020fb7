// Package store persists automation definitions. Two backends are provided:
// a directory of JSON documents and a SQLite table. Both replace a record
// atomically, so concurrent writers to one id never leave a partial write.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/franzego/pushcadence/internal/config"
	"github.com/franzego/pushcadence/internal/models"
)

var (
	ErrNotFound  = errors.New("automation not found")
	ErrInvalidID = errors.New("invalid automation id")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// Store is the document store the engine reads on restore and writes on
// create/update. LoadAll may return a partial list together with an error
// describing unreadable records.
type Store interface {
	LoadAll(ctx context.Context) ([]models.Automation, error)
	Load(ctx context.Context, id string) (models.Automation, error)
	Save(ctx context.Context, a models.Automation) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// Open returns the backend selected by cfg.Driver.
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "file":
		return NewFileStore(cfg.Path)
	case "sqlite":
		return OpenSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
