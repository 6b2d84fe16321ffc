package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dispatch-engine/internal/auth"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided.

type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only. Operators do not see these records.
// - Callers treat audit logging as best-effort.

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.CampaignID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogOperatorAction records a manual override. Actor and IP are taken from
// the request context when present.
func (s *Service) LogOperatorAction(ctx context.Context, typ EventType, campaignID, queueItemID, userQueueItemID, message string) error {
	userID, _ := auth.UserID(ctx)
	role, _ := auth.Role(ctx)
	return s.Append(ctx, Event{
		CampaignID:      campaignID,
		Type:            typ,
		ActorUserID:     userID,
		ActorRole:       role,
		IPAddress:       ClientIPFromContext(ctx),
		QueueItemID:     queueItemID,
		UserQueueItemID: userQueueItemID,
		Message:         message,
	})
}

// LogSystemAction records a state change the engine made on its own, such
// as a backpressure pause.
func (s *Service) LogSystemAction(ctx context.Context, typ EventType, campaignID, reason string, count int) error {
	return s.Append(ctx, Event{
		CampaignID: campaignID,
		Type:       typ,
		Message:    reason,
		Metadata:   fmt.Sprintf(`{"reason":%q,"open_items":%d}`, reason, count),
	})
}
