// Package notify defines the fire-and-forget user notification contract.
package notify

import (
	"context"
	"time"
)

// Level grades a notification.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Notification is a user-facing status message for one account.
type Notification struct {
	AccountID string    `json:"accountId"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// Notifier delivers notifications. Callers never block on the result.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
