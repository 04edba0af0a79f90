package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConsumerRequiresKey(t *testing.T) {
	_, err := NewConsumer(Config{Addr: "127.0.0.1:6379"})
	assert.Error(t, err)

	c, err := NewConsumer(Config{Key: DefaultKey})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, DefaultKey, c.Key())
	assert.Equal(t, "127.0.0.1:6379", c.client.Options().Addr)
	assert.Positive(t, c.blockTimeout)
}
