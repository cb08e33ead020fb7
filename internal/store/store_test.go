package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/franzego/pushcadence/internal/config"
	"github.com/franzego/pushcadence/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	fs, err := Open(config.StoreConfig{Driver: "file", Path: filepath.Join(dir, "docs")})
	require.NoError(t, err)
	sq, err := Open(config.StoreConfig{Driver: "sqlite", Path: filepath.Join(dir, "db", "automations.db")})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = fs.Close()
		_ = sq.Close()
	})
	return map[string]Store{"file": fs, "sqlite": sq}
}

func sampleAutomation(id, name string) models.Automation {
	return models.Automation{
		ID:       id,
		Name:     name,
		Status:   models.StatusActive,
		IsActive: true,
		Schedule: models.Schedule{Frequency: models.FrequencyDaily, ExecutionTime: "09:00", LeadTimeMinutes: 30},
		PushSequence: []models.PushMessage{
			{Title: "t", Body: "b", LayerID: 2},
		},
		AudienceCriteria: models.AudienceCriteria{"segment": "trending"},
	}
}

func TestStore_CRUD(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Load(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Save(ctx, sampleAutomation("b-auto", "second")))
			require.NoError(t, s.Save(ctx, sampleAutomation("a-auto", "first")))

			got, err := s.Load(ctx, "a-auto")
			require.NoError(t, err)
			assert.Equal(t, "first", got.Name)
			assert.Equal(t, "trending", got.AudienceCriteria["segment"])

			updated := sampleAutomation("a-auto", "renamed")
			require.NoError(t, s.Save(ctx, updated))
			got, err = s.Load(ctx, "a-auto")
			require.NoError(t, err)
			assert.Equal(t, "renamed", got.Name)

			all, err := s.LoadAll(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "a-auto", all[0].ID)
			assert.Equal(t, "b-auto", all[1].ID)

			require.NoError(t, s.Delete(ctx, "a-auto"))
			assert.ErrorIs(t, s.Delete(ctx, "a-auto"), ErrNotFound)
		})
	}
}

func TestStore_RejectsInvalidIDs(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, s.Save(ctx, sampleAutomation("../escape", "x")), ErrInvalidID)
			_, err := s.Load(ctx, "")
			assert.ErrorIs(t, err, ErrInvalidID)
		})
	}
}

func TestStore_ConcurrentWritersNeverCorrupt(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					assert.NoError(t, s.Save(ctx, sampleAutomation("shared", fmt.Sprintf("writer-%d", i))))
				}(i)
			}
			wg.Wait()

			got, err := s.Load(ctx, "shared")
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(got.Name, "writer-"))
		})
	}
}

func TestFileStore_NoTempFilesLeftBehind(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), sampleAutomation("auto-1", "x")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "auto-1.json", entries[0].Name())
}

func TestFileStore_LoadAllSkipsCorruptRecords(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), sampleAutomation("good", "ok")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o600))

	all, err := s.LoadAll(context.Background())
	assert.Error(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "good", all[0].ID)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(config.StoreConfig{Driver: "etcd"})
	assert.Error(t, err)
}
