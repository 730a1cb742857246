package ratelimit

import (
	"strings"

	"github.com/fablemill/sessiond/internal/utils"
	"github.com/gofiber/fiber/v2"
)

// IdentityKey is the fiber locals key an upstream auth middleware may set to
// attribute requests to a user id instead of an IP.
const IdentityKey = "ratelimit_identity"

// user-agent substrings that feed the pattern detector on sight
var badUserAgents = []string{
	"sqlmap",
	"nikto",
	"masscan",
	"python-requests/",
	"curl/7.",
}

// Middleware gates an endpoint class. Identity is the authenticated user id
// when present, the client IP otherwise. Rejections are a uniform 429; the
// gate that fired is logged, not returned.
func Middleware(limiter *Limiter, class Class) fiber.Handler {
	return func(c *fiber.Ctx) error {
		identity := clientIdentity(c)

		ua := strings.ToLower(c.Get("User-Agent"))
		for _, bad := range badUserAgents {
			if strings.Contains(ua, bad) {
				limiter.Observe(identity, class, SignalBadUserAgent)
				break
			}
		}

		dec := limiter.Allow(Key{Identity: identity, Class: class})
		if !dec.Allowed {
			return utils.RateLimitResponse(c, dec.RetryAfter)
		}

		err := c.Next()

		if c.Response().StatusCode() == fiber.StatusUnauthorized {
			limiter.Observe(identity, class, SignalUnauthorized)
		}

		return err
	}
}

func clientIdentity(c *fiber.Ctx) string {
	if id, ok := c.Locals(IdentityKey).(string); ok && id != "" {
		return id
	}
	return c.IP()
}
