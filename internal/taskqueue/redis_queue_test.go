package taskqueue

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type RedisQueueTestSuite struct {
	suite.Suite
	server *miniredis.Miniredis
	client *redis.Client
}

func TestRedisQueueSuite(t *testing.T) {
	suite.Run(t, new(RedisQueueTestSuite))
}

func (s *RedisQueueTestSuite) SetupSuite() {
	s.server = miniredis.RunT(s.T())
	s.client = redis.NewClient(&redis.Options{Addr: s.server.Addr()})
}

func (s *RedisQueueTestSuite) TearDownSuite() {
	_ = s.client.Close()
}

func (s *RedisQueueTestSuite) SetupTest() {
	s.server.FlushAll()
}

func (s *RedisQueueTestSuite) TestConformance() {
	testQueue(s.T(), func(*testing.T) Queue {
		s.server.FlushAll()
		return NewRedisQueue(s.client, "test:")
	})
}

func (s *RedisQueueTestSuite) TestKeysUsePrefix() {
	t := s.T()
	q := NewRedisQueue(s.client, "")
	require.NoError(t, q.Enqueue(t.Context(), Task{ID: "abc", Type: TaskStartRun}))

	assert.True(t, s.server.Exists("graphflow:queue:task:abc"))
	members, err := s.server.ZMembers("graphflow:queue:ready")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Contains(t, members[0], ":abc")
}
