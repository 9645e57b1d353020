package auth

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/vitrine-shop/vitrine-server/internal/apierrors"
	"github.com/vitrine-shop/vitrine-server/internal/httputil"
)

const userIDKey = "userID"

// RequireAuth returns Fiber middleware that validates a Bearer token from the Authorization header, checks that it
// grants every scope in scopes, and stores the user ID for UserID.
func RequireAuth(secret, issuer string, scopes ...string) fiber.Handler {
	return func(c fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		if header == "" {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Missing authorization header")
		}

		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Invalid authorization format")
		}

		claims, err := ValidateAccessToken(tokenStr, secret, issuer)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.TokenExpired, "Token has expired")
			}
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Invalid token")
		}

		userID, err := uuid.Parse(claims.Subject)
		if err != nil {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Invalid token subject")
		}

		for _, scope := range scopes {
			if !claims.HasScope(scope) {
				return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingScope, "Token lacks the "+scope+" scope")
			}
		}

		c.Locals(userIDKey, userID)
		return c.Next()
	}
}

// UserID returns the authenticated user stored by RequireAuth.
func UserID(c fiber.Ctx) (uuid.UUID, bool) {
	id, ok := c.Locals(userIDKey).(uuid.UUID)
	return id, ok
}
