package redis

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/franzego/pushcadence/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitRedis(t *testing.T) {
	s := miniredis.RunT(t)

	client, err := InitRedis(config.RedisConfig{Addr: s.Addr()}, zap.NewNop())
	require.NoError(t, err)
	defer client.Close()
}

func TestInitRedis_Unreachable(t *testing.T) {
	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()

	client, err := InitRedis(config.RedisConfig{Addr: addr}, zap.NewNop())
	assert.Error(t, err)
	assert.NotNil(t, client)
	client.Close()
}
