package app

import (
	"context"

	"go.uber.org/zap"
)

type SweepResult struct {
	Candidates int `json:"candidates"`
	Reverted   int `json:"reverted"`
	Failed     int `json:"failed"`
}

// SweepExpiredPins unpins every broadcast message whose pin has expired.
// A failure on one message is logged and the remaining candidates are still
// processed; only a failure to list candidates is returned.
func (s *Service) SweepExpiredPins(ctx context.Context) (SweepResult, error) {
	now := s.clock.Now()
	candidates, err := s.store.ListExpiredPins(ctx, now)
	if err != nil {
		s.log.Error("list expired pins", zap.Error(err))
		return SweepResult{}, err
	}

	result := SweepResult{Candidates: len(candidates)}
	for _, msg := range candidates {
		cleared, err := s.store.ClearExpiredPin(ctx, msg.ID, now)
		if err != nil {
			result.Failed++
			s.log.Error("unpin expired message",
				zap.String("message_id", msg.ID),
				zap.String("workspace_id", msg.WorkspaceID),
				zap.Error(err),
			)
			continue
		}
		if !cleared {
			continue
		}
		result.Reverted++
		msg.IsPinned = false
		msg.PinExpiresAt = nil
		s.publish(ctx, Event{Name: EventMessagePinned, Data: PinnedMessage{Message: msg}}, WorkspaceRoom(msg.WorkspaceID))
	}

	if result.Reverted == 0 && result.Failed == 0 {
		s.log.Info("no expired messages to unpin")
	} else {
		s.log.Info("expired pins swept",
			zap.Int("reverted", result.Reverted),
			zap.Int("failed", result.Failed),
		)
	}
	return result, nil
}
