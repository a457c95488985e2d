package ports

import (
	"context"

	"github.com/eleven-am/weft/internal/domain"
)

// JourneyPort tracks entities along the user-node spine of their graph. The
// adapter reacts to run lifecycle events; the explicit operations below are
// the read and override surfaces. MoveEntity admits an unknown entity when
// graphID is given, so it doubles as the journey entry point.
type JourneyPort interface {
	Start(ctx context.Context) error
	Stop() error

	GetEntity(ctx context.Context, entityID string) (*domain.Entity, error)
	GetJourney(ctx context.Context, entityID string) ([]domain.JourneyEvent, error)
	MoveEntity(ctx context.Context, entityID, graphID, toNodeID, reason string) (*domain.Entity, error)
}
