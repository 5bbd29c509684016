package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/verigate/backend/internal/registration"
)

// generateChallenge mints the nonce a device echoes back to prove it
// received the push notification.
func generateChallenge() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// classifyClient maps a client's self-description onto the authority's
// taxonomy. "android-2021-03" is the first Android build that shipped
// with FCM support; older Android builds match only the bare prefix.
func classifyClient(value string) registration.ClientType {
	switch {
	case value == "ios":
		return registration.ClientTypeIOS
	case value == "android-2021-03":
		return registration.ClientTypeAndroidWithFCM
	case strings.HasPrefix(strings.ToLower(value), "android"):
		return registration.ClientTypeAndroidWithoutFCM
	default:
		return registration.ClientTypeUnknown
	}
}

// retryAfterSeconds renders a retry hint as whole seconds, rounded up.
// Non-positive durations return 0, which callers treat as "omit".
func retryAfterSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

func setRetryAfter(c *fiber.Ctx, d time.Duration) {
	if secs := retryAfterSeconds(d); secs > 0 {
		c.Set(fiber.HeaderRetryAfter, strconv.FormatInt(secs, 10))
	}
}
