package ports

import (
	"context"

	"github.com/eleven-am/weft/internal/domain"
)

type SchedulerPort interface {
	Start(ctx context.Context) error
	Stop() error

	Add(schedule domain.Schedule) error
	Remove(name string) error
	List() []domain.Schedule
}
