package quota

import (
	"errors"
	"fmt"
	"strings"

	"github.com/crosslogic/quota-engine/pkg/models"
)

var (
	// ErrInvalidRequest marks a request the caller must fix before retrying.
	ErrInvalidRequest = errors.New("invalid quota request")

	// ErrActorStopped is returned when a call reaches a registry that is shutting down.
	ErrActorStopped = errors.New("tenant actor stopped")
)

// ValidateRequest checks the fields the engine relies on.
func ValidateRequest(req models.CheckRequest) error {
	if strings.TrimSpace(req.TenantID) == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidRequest)
	}
	if !req.Meter.Valid() {
		return fmt.Errorf("%w: unknown meter %q", ErrInvalidRequest, req.Meter)
	}
	if req.Qty != nil && *req.Qty < 1 {
		return fmt.Errorf("%w: qty must be at least 1", ErrInvalidRequest)
	}
	return nil
}
