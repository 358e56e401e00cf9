package directory

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Role is the kind of an entity registered on the platform.
type Role string

const (
	RoleOperator       Role = "OPERATOR"
	RoleAirline        Role = "AIRLINE"
	RoleCPO            Role = "CPO"
	RoleAdministration Role = "ADMINISTRATION"
)

// RightIngestLots allows an entity to register lot-rooted ticket sources.
const RightIngestLots = "ingest_lots"

// Entity is a company (or administration) as known by the directory.
type Entity struct {
	ID        uuid.UUID                   `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	Name      string                      `gorm:"not null" json:"name"`
	Role      Role                        `gorm:"type:varchar(32);not null;index" json:"role"`
	IsEnabled bool                        `gorm:"not null;default:true" json:"is_enabled"`
	Rights    datatypes.JSONSlice[string] `json:"rights"`
	Metadata  datatypes.JSONMap           `json:"metadata,omitempty"`
	CreatedAt time.Time                   `json:"created_at"`
	UpdatedAt time.Time                   `json:"updated_at"`
}

// TableName pins the table used by gorm.
func (Entity) TableName() string {
	return "entities"
}

// HasRole reports whether the entity has one of the given roles.
func (e *Entity) HasRole(roles ...Role) bool {
	return slices.Contains(roles, e.Role)
}

// HasRight reports whether the entity was granted the named right.
// Administrations implicitly hold every right.
func (e *Entity) HasRight(right string) bool {
	if e.Role == RoleAdministration {
		return true
	}
	return slices.Contains([]string(e.Rights), right)
}
