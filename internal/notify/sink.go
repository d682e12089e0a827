// Package notify delivers engine notifications. Delivery is fire-and-forget:
// a failed notification never fails the ledger work that produced it.
package notify

import (
	"context"

	"go.uber.org/zap"

	"mlm-engine/internal/models"
)

const (
	TypeSuccess = "success"
	TypeInfo    = "info"
)

// Message is the notification contract produced by the jobs.
type Message struct {
	UserID  string `json:"user_id"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

type Sink interface {
	Notify(ctx context.Context, msg Message)
}

// Appender is the part of the ledger store a StoreSink writes to.
type Appender interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
}

// StoreSink appends notifications to the notifications table.
type StoreSink struct {
	store Appender
	log   *zap.Logger
}

func NewStoreSink(store Appender, log *zap.Logger) *StoreSink {
	return &StoreSink{store: store, log: log.Named("notify")}
}

func (s *StoreSink) Notify(ctx context.Context, msg Message) {
	typ := msg.Type
	if typ == "" {
		typ = TypeInfo
	}
	err := s.store.CreateNotification(ctx, &models.Notification{
		UserID:  msg.UserID,
		Title:   msg.Title,
		Message: msg.Message,
		Type:    typ,
	})
	if err != nil {
		s.log.Warn("Failed to store notification",
			zap.String("user_id", msg.UserID), zap.String("title", msg.Title), zap.Error(err))
	}
}

// NopSink drops every message.
type NopSink struct{}

func (NopSink) Notify(context.Context, Message) {}
