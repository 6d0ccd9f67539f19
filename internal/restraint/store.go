package restraint

import (
	"context"

	"github.com/shaiso/Relay/internal/domain"
)

// Tx — операции над одним ресурсом внутри критической секции.
type Tx interface {
	// Resource возвращает объявление ресурса или ErrResourceNotFound.
	Resource(ctx context.Context) (*domain.ResourceRestraint, error)

	// Instances возвращает незавершённые (BLOCKED и ACTIVE) заявки ресурса.
	Instances(ctx context.Context) ([]*domain.RestraintInstance, error)

	// Save создаёт или обновляет заявку.
	Save(ctx context.Context, inst *domain.RestraintInstance) error
}

// Store — хранилище ресурсов и заявок.
//
// Atomically выполняет fn в критической секции ресурса: никакие
// две секции для одного ключа не выполняются одновременно, и все
// изменения fn применяются целиком или не применяются вовсе.
type Store interface {
	Atomically(ctx context.Context, resourceKey string, fn func(ctx context.Context, tx Tx) error) error

	// DefineResource создаёт ресурс или меняет его ёмкость.
	DefineResource(ctx context.Context, r *domain.ResourceRestraint) error

	// KeysByEntity возвращает ключи ресурсов с незавершёнными заявками,
	// которые освобождаются при завершении entityID.
	KeysByEntity(ctx context.Context, entityID string) ([]string, error)

	// KeysByRequester возвращает ключи ресурсов с незавершёнными заявками узла.
	KeysByRequester(ctx context.Context, requesterID string) ([]string, error)

	// OpenEntities возвращает ReleaseEntityID всех незавершённых заявок.
	OpenEntities(ctx context.Context) ([]string, error)
}
