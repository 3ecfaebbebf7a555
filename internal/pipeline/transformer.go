// Package pipeline contains the queued push components for the service.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-pushkey-service/pkg/pushkey"
)

// PushCommand is the queued equivalent of a push request on the HTTP API.
type PushCommand struct {
	Key      string         `json:"key"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Category string         `json:"category,omitempty"`
	Params   pushkey.Params `json:"params,omitempty"`
}

// pushCommandJSON accepts any scalar title or body, like the HTTP API does.
type pushCommandJSON struct {
	Key      string         `json:"key"`
	Title    any            `json:"title"`
	Body     any            `json:"body"`
	Category string         `json:"category"`
	Params   pushkey.Params `json:"params"`
}

// PushCommandTransformer unmarshals a raw message payload into a PushCommand.
// Malformed payloads are skipped so the StreamingService can dead-letter them.
func PushCommandTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*PushCommand, bool, error) {
	var raw pushCommandJSON
	if err := json.Unmarshal(msg.Payload, &raw); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal push command from message %s: %w", msg.ID, err)
	}
	if raw.Key == "" {
		return nil, true, fmt.Errorf("push command in message %s has no key", msg.ID)
	}

	cmd := &PushCommand{Key: raw.Key, Category: raw.Category, Params: raw.Params.Scalars()}
	var ok bool
	if cmd.Title, ok = optionalText(raw.Title); !ok {
		return nil, true, fmt.Errorf("push command in message %s has a non-scalar title", msg.ID)
	}
	if cmd.Body, ok = optionalText(raw.Body); !ok {
		return nil, true, fmt.Errorf("push command in message %s has a non-scalar body", msg.ID)
	}
	return cmd, false, nil
}

func optionalText(v any) (string, bool) {
	if v == nil {
		return "", true
	}
	return pushkey.ScalarText(v)
}
