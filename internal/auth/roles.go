package auth

import (
	"github.com/gofiber/fiber/v2"

	"github.com/omnichannel-hub/session-queue/internal/domain"
	apperrors "github.com/omnichannel-hub/session-queue/pkg/util/errorutil"
)

// RequireRole ensures the principal has one of the allowed roles.
func RequireRole(allowed ...domain.AgentRole) fiber.Handler {
	allowedSet := make(map[domain.AgentRole]struct{}, len(allowed))
	for _, role := range allowed {
		allowedSet[role] = struct{}{}
	}

	return func(c *fiber.Ctx) error {
		principal, ok := PrincipalFromContext(c)
		if !ok {
			return apperrors.NewUnauthorized("authentication required")
		}
		if len(allowedSet) == 0 {
			return c.Next()
		}
		if _, exists := allowedSet[principal.Role]; !exists {
			return apperrors.NewForbidden("insufficient role")
		}
		return c.Next()
	}
}

// CanActFor reports whether the principal may act on behalf of userID.
// Supervisors may act for anyone; agents only for themselves.
func (p *Principal) CanActFor(userID string) bool {
	return p.Role == domain.RoleSupervisor || p.UserID == userID
}
