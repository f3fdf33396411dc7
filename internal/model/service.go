package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ServiceRole is the role a service account authenticates with.
type ServiceRole string

const (
	RoleAdmin   ServiceRole = "admin"
	RoleService ServiceRole = "service"
	RoleReader  ServiceRole = "reader"
)

// RoleRank returns the numeric rank of a role (higher = more privileges).
func RoleRank(r ServiceRole) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleService:
		return 2
	case RoleReader:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole ServiceRole) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// ServiceAccount is a control-plane caller allowed to enqueue and query work.
type ServiceAccount struct {
	ID         uuid.UUID   `json:"id"`
	ServiceID  string      `json:"service_id"`
	Role       ServiceRole `json:"role"`
	APIKeyHash *string     `json:"-"`
	CreatedAt  time.Time   `json:"created_at"`
}

// ValidateServiceID checks that a service ID is 1-255 ASCII characters:
// alphanumeric, dots, hyphens, underscores, and @ signs.
func ValidateServiceID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("service_id is required")
	}
	if len(id) > 255 {
		return fmt.Errorf("service_id must be at most 255 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' {
			return fmt.Errorf("service_id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
