package push

import (
	"fmt"
	"regexp"
	"strings"

	"geonotify/internal/model"
)

var (
	apnsToken = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
	fcmToken  = regexp.MustCompile(`^[A-Za-z0-9_:\-]{100,}$`)
)

// ValidToken checks the token shape for its platform: APNs tokens are 64
// hex characters, FCM registration tokens at least 100 characters of
// [A-Za-z0-9_:-].
func ValidToken(platform model.Platform, token string) error {
	token = strings.TrimSpace(token)
	switch platform {
	case model.PlatformIOS:
		if !apnsToken.MatchString(token) {
			return fmt.Errorf("malformed apns token (%d chars)", len(token))
		}
	case model.PlatformAndroid:
		if !fcmToken.MatchString(token) {
			return fmt.Errorf("malformed fcm token (%d chars)", len(token))
		}
	default:
		return fmt.Errorf("unknown platform %q", platform)
	}
	return nil
}
