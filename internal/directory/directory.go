// Package directory resolves entity identity, role and rights for the ledger.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrEntityNotFound is returned when an id does not resolve to an entity.
var ErrEntityNotFound = errors.New("directory: entity not found")

// Directory looks up entities. Implementations must be safe for concurrent use.
type Directory interface {
	GetEntity(ctx context.Context, id uuid.UUID) (*Entity, error)
}

// GormDirectory reads entities from the platform database.
type GormDirectory struct {
	db *gorm.DB
}

// NewGormDirectory creates a directory on top of an open gorm connection.
func NewGormDirectory(db *gorm.DB) *GormDirectory {
	return &GormDirectory{db: db}
}

// Migrate creates or updates the entities table.
func (d *GormDirectory) Migrate() error {
	if err := d.db.AutoMigrate(&Entity{}); err != nil {
		return fmt.Errorf("failed to migrate entities: %w", err)
	}
	return nil
}

// GetEntity resolves an entity by id.
func (d *GormDirectory) GetEntity(ctx context.Context, id uuid.UUID) (*Entity, error) {
	var entity Entity
	err := d.db.WithContext(ctx).First(&entity, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntityNotFound
		}
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return &entity, nil
}

// Upsert creates or replaces an entity.
func (d *GormDirectory) Upsert(ctx context.Context, entity *Entity) error {
	if err := d.db.WithContext(ctx).Save(entity).Error; err != nil {
		return fmt.Errorf("failed to save entity: %w", err)
	}
	return nil
}

// StaticDirectory is an in-process directory, used with the memory store and in tests.
type StaticDirectory struct {
	mu       sync.RWMutex
	entities map[uuid.UUID]Entity
}

// NewStaticDirectory creates a directory holding the given entities.
func NewStaticDirectory(entities ...Entity) *StaticDirectory {
	d := &StaticDirectory{entities: make(map[uuid.UUID]Entity, len(entities))}
	for _, e := range entities {
		d.Add(e)
	}
	return d
}

// Add registers or replaces an entity.
func (d *StaticDirectory) Add(entity Entity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entities[entity.ID] = entity
}

// GetEntity resolves an entity by id.
func (d *StaticDirectory) GetEntity(_ context.Context, id uuid.UUID) (*Entity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entity, ok := d.entities[id]
	if !ok {
		return nil, ErrEntityNotFound
	}
	return &entity, nil
}
