package notify

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	domain "github.com/coachpo/copytrader/internal/domain/notify"
)

type capturePublisher struct {
	channel string
	payload []byte
	err     error
}

func (c *capturePublisher) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	c.channel = channel
	c.payload, _ = message.([]byte)
	return redis.NewIntResult(1, c.err)
}

func sample() domain.Notification {
	return domain.Notification{
		AccountID: "F1",
		Level:     domain.LevelError,
		Message:   "replication failed",
		At:        time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLog(log.New(&buf, "", 0))
	require.NoError(t, n.Notify(context.Background(), sample()))
	require.Equal(t, "[ERROR] account=F1: replication failed\n", buf.String())
}

func TestRedisNotifierPublishesJSON(t *testing.T) {
	pub := &capturePublisher{}
	n := newRedis(pub, "")
	require.NoError(t, n.Notify(context.Background(), sample()))
	require.Equal(t, DefaultChannel, pub.channel)

	var got domain.Notification
	require.NoError(t, json.Unmarshal(pub.payload, &got))
	require.Equal(t, sample(), got)
}

func TestRedisNotifierWrapsPublishError(t *testing.T) {
	pub := &capturePublisher{err: errors.New("connection reset")}
	err := newRedis(pub, "alerts").Notify(context.Background(), sample())
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "alerts"))
}

type failing struct{}

func (failing) Notify(context.Context, domain.Notification) error { return errors.New("down") }

func TestMultiDeliversToAllAndJoinsErrors(t *testing.T) {
	var buf bytes.Buffer
	pub := &capturePublisher{}
	m := Multi{failing{}, nil, NewLog(log.New(&buf, "", 0)), newRedis(pub, "")}
	err := m.Notify(context.Background(), sample())
	require.EqualError(t, err, "down")
	require.NotEmpty(t, buf.String())
	require.NotEmpty(t, pub.payload)
}
