package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/franzego/pushcadence/internal/lockmap"
	"github.com/franzego/pushcadence/internal/models"
)

const fileExt = ".json"

// FileStore keeps one JSON document per automation in dir.
type FileStore struct {
	dir   string
	locks *lockmap.Map
}

func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("file store requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileStore{dir: dir, locks: lockmap.New()}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+fileExt)
}

func (s *FileStore) LoadAll(ctx context.Context) ([]models.Automation, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read store dir: %w", err)
	}
	var (
		out  []models.Automation
		errs []error
	)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != fileExt {
			continue
		}
		a, err := s.Load(ctx, strings.TrimSuffix(name, fileExt))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, errors.Join(errs...)
}

func (s *FileStore) Load(_ context.Context, id string) (models.Automation, error) {
	if err := ValidateID(id); err != nil {
		return models.Automation{}, err
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return models.Automation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return models.Automation{}, fmt.Errorf("read automation %s: %w", id, err)
	}
	var a models.Automation
	if err := json.Unmarshal(data, &a); err != nil {
		return models.Automation{}, fmt.Errorf("decode automation %s: %w", id, err)
	}
	return a, nil
}

// Save writes to a temp file in the same directory and renames it over the
// previous document. Last writer wins.
func (s *FileStore) Save(_ context.Context, a models.Automation) error {
	if err := ValidateID(a.ID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("encode automation %s: %w", a.ID, err)
	}

	unlock := s.locks.Lock(a.ID)
	defer unlock()

	tmp, err := os.CreateTemp(s.dir, "."+a.ID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write automation %s: %w", a.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync automation %s: %w", a.ID, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close automation %s: %w", a.ID, err)
	}
	if err := os.Rename(tmpName, s.path(a.ID)); err != nil {
		cleanup()
		return fmt.Errorf("replace automation %s: %w", a.ID, err)
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	if err := os.Remove(s.path(id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("delete automation %s: %w", id, err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
