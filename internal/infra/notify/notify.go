// Package notify delivers user notifications to the log and to redis pub/sub.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	domain "github.com/coachpo/copytrader/internal/domain/notify"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "copier:notifications"

// Log writes notifications to a logger.
type Log struct {
	logger *log.Logger
}

// NewLog builds a log notifier; nil logger writes to stdout.
func NewLog(logger *log.Logger) *Log {
	if logger == nil {
		logger = log.New(os.Stdout, "notify ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Log{logger: logger}
}

// Notify implements notify.Notifier.
func (l *Log) Notify(_ context.Context, n domain.Notification) error {
	l.logger.Printf("[%s] account=%s: %s", strings.ToUpper(string(n.Level)), n.AccountID, n.Message)
	return nil
}

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Redis publishes each notification as JSON on a pub/sub channel.
type Redis struct {
	client  publisher
	channel string
}

// NewRedis builds a redis notifier. An empty channel uses DefaultChannel.
func NewRedis(client redis.Cmdable, channel string) *Redis {
	return newRedis(client, channel)
}

func newRedis(client publisher, channel string) *Redis {
	if strings.TrimSpace(channel) == "" {
		channel = DefaultChannel
	}
	return &Redis{client: client, channel: channel}
}

// Notify implements notify.Notifier.
func (r *Redis) Notify(ctx context.Context, n domain.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis PUBLISH %s: %w", r.channel, err)
	}
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []domain.Notifier

// Notify implements notify.Notifier.
func (m Multi) Notify(ctx context.Context, n domain.Notification) error {
	var errs []error
	for _, target := range m {
		if target == nil {
			continue
		}
		if err := target.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
