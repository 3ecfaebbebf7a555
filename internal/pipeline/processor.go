package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-pushkey-service/pkg/pushkey"
)

// Resolver maps a push key to its device token.
type Resolver interface {
	Resolve(ctx context.Context, key string) (string, error)
}

// NewProcessor resolves the command's key and sends the notification.
// Push results are never retried: delivered, rejected and unreachable
// outcomes are all logged and acked. Only a failing key store returns an
// error so the message is redelivered.
func NewProcessor(
	resolver Resolver,
	dispatcher pushkey.Dispatcher,
	defaultCategory string,
	logger *slog.Logger,
) messagepipeline.StreamProcessor[PushCommand] {

	return func(ctx context.Context, original messagepipeline.Message, cmd *PushCommand) error {
		procLogger := logger.With("pubsub_msg_id", original.ID)

		deviceToken, err := resolver.Resolve(ctx, cmd.Key)
		if err != nil {
			if errors.Is(err, pushkey.ErrKeyNotFound) {
				procLogger.Warn("Dropping push for unknown key")
				return nil
			}
			procLogger.Error("Failed to resolve key", "err", err)
			return err
		}

		category := cmd.Category
		if category == "" {
			category = defaultCategory
		}
		req := pushkey.PushRequest{
			Category:    category,
			Title:       cmd.Title,
			Body:        cmd.Body,
			ExtraParams: cmd.Params,
		}

		outcome, err := dispatcher.Send(ctx, deviceToken, req)
		switch {
		case err != nil:
			procLogger.Error("Push dispatch failed", "err", err)
		case outcome.IsDelivered():
			procLogger.Info("Push delivered")
		default:
			procLogger.Warn("Push rejected by gateway", "reason", outcome.Reason)
		}
		return nil
	}
}
