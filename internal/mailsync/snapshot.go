package mailsync

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type SnapshotLoader struct {
	client  MailClient
	decoder *Decoder
	timeout time.Duration
	logger  Logger
}

type SnapshotLoaderOptions struct {
	Timeout time.Duration
	Logger  Logger
}

func NewSnapshotLoader(client MailClient, decoder *Decoder, opts SnapshotLoaderOptions) (*SnapshotLoader, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if decoder == nil {
		return nil, fmt.Errorf("decoder is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SnapshotLoader{
		client:  client,
		decoder: decoder,
		timeout: timeout,
		logger:  opts.Logger,
	}, nil
}

// LoadSnapshot fetches every message once. On failure it returns no entities
// and a *SnapshotError; malformed individual messages are dropped and logged.
func (l *SnapshotLoader) LoadSnapshot(ctx context.Context) ([]Entity, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	list, err := l.client.ListMessages(ctx)
	if err != nil {
		return nil, &SnapshotError{Op: "list messages", Err: err}
	}
	entities := make([]Entity, 0, len(list.Messages))
	dropped := 0
	for _, raw := range list.Messages {
		entity, err := l.decoder.DecodeMessage(raw, OriginSnapshot)
		if err != nil {
			dropped++
			logf(l.logger, "snapshot: dropping message: %v", err)
			continue
		}
		entities = append(entities, entity)
	}
	if dropped > 0 {
		logf(l.logger, "snapshot: loaded %d messages, dropped %d", len(entities), dropped)
	}
	return entities, nil
}

func (l *SnapshotLoader) LoadTaskLogs(ctx context.Context, taskID string) ([]LogEntry, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, &SnapshotError{Op: "list task logs", Err: ErrInvalidInput}
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	logs, err := l.client.ListTaskLogs(ctx, taskID)
	if err != nil {
		return nil, &SnapshotError{Op: "list task logs " + taskID, Err: err}
	}
	return logs, nil
}
