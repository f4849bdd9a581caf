package ingestion

import (
	"context"
	"fmt"

	"github.com/0xarbor/mars-core/internal/types"
)

// AdminIngestService feeds commands submitted over the HTTP admin surface
// into the core's command channel. It exists for operations and manual
// injection, not throughput; NATS is the hot path.
type AdminIngestService struct {
	commandChan chan<- types.Command
}

func NewAdminIngestService(commandChan chan<- types.Command) *AdminIngestService {
	return &AdminIngestService{commandChan: commandChan}
}

// Submit queues a typed command for the core.
func (s *AdminIngestService) Submit(ctx context.Context, cmd types.Command) error {
	select {
	case s.commandChan <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitRaw parses a wire-format payload and queues it. The command type uses
// the same names as the NATS subject mapping.
func (s *AdminIngestService) SubmitRaw(ctx context.Context, commandType string, payload []byte) error {
	cmd, err := ParseRawCommand(RawCommand{Data: payload}, commandType)
	if err != nil {
		return fmt.Errorf("parse %s: %w", commandType, err)
	}
	return s.Submit(ctx, cmd)
}
