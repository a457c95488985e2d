package ports

import (
	"context"

	"github.com/eleven-am/weft/internal/domain"
)

type EventManager interface {
	Start(ctx context.Context) error
	Stop() error

	Broadcast(event interface{}) error

	OnRunStarted(handler func(event *domain.RunStartedEvent)) error
	OnRunCompleted(handler func(event *domain.RunCompletedEvent)) error
	OnRunFailed(handler func(event *domain.RunFailedEvent)) error

	OnNodeCompleted(handler func(event *domain.NodeCompletedEvent)) error
	OnNodeFailed(handler func(event *domain.NodeFailedEvent)) error

	OnUserTaskCreated(handler func(event *domain.UserTaskCreatedEvent)) error
	OnEntityAdvanced(handler func(event *domain.EntityAdvancedEvent)) error
	OnJourneyEnded(handler func(event *domain.JourneyEndedEvent)) error
}
