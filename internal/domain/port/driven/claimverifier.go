package driven

import (
	"context"

	"github.com/testbed-io/uis/internal/domain/model"
)

// ClaimVerifier validates an identity token and returns its claims.
// An invalid or expired token yields an errors.Unauthorized error.
type ClaimVerifier interface {
	Verify(ctx context.Context, token string) (model.Claims, error)
}
