package microservice

import (
	"context"
	"errors"
	"fmt"

	"github.com/yardcore/yardcore/internal/database"
)

// ErrNoService means no enabled service is registered for a type.
var ErrNoService = errors.New("no enabled service")

// ServiceLookup finds enabled service registrations.
type ServiceLookup interface {
	GetEnabledByType(ctx context.Context, serviceType string) (*database.Service, error)
}

// Registry resolves service types to registrations.
type Registry struct {
	lookup ServiceLookup
}

// NewRegistry creates a registry over the services table.
func NewRegistry(lookup ServiceLookup) *Registry {
	return &Registry{lookup: lookup}
}

// Resolve returns the enabled service of serviceType.
func (r *Registry) Resolve(ctx context.Context, serviceType string) (*database.Service, error) {
	svc, err := r.lookup.GetEnabledByType(ctx, serviceType)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w for type %q", ErrNoService, serviceType)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve service %q: %w", serviceType, err)
	}
	if !svc.IsDummy && svc.ServiceURL == "" {
		return nil, fmt.Errorf("service %q has no URL", svc.Name)
	}
	return svc, nil
}
