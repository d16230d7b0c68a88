package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MaxSessionIDLength = 128
	MaxSDPLength       = 32 * 1024
	MaxCandidateLength = 1024
)

var (
	// SessionIDRegex validates session id format
	SessionIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateSessionID validates a call session id taken from the join URL.
func ValidateSessionID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}
	if len(sessionID) > MaxSessionIDLength {
		return fmt.Errorf("session ID is too long (max %d characters)", MaxSessionIDLength)
	}
	if !SessionIDRegex.MatchString(sessionID) {
		return fmt.Errorf("invalid session ID format")
	}
	return nil
}

// ValidateSDP checks that a session description is present, bounded and
// starts with the protocol version line.
func ValidateSDP(sdp string) error {
	if strings.TrimSpace(sdp) == "" {
		return fmt.Errorf("sdp is required")
	}
	if len(sdp) > MaxSDPLength {
		return fmt.Errorf("sdp is too long (max %d bytes)", MaxSDPLength)
	}
	if !strings.HasPrefix(sdp, "v=0") {
		return fmt.Errorf("sdp must start with v=0")
	}
	if !utf8.ValidString(sdp) {
		return fmt.Errorf("sdp contains invalid characters")
	}
	return nil
}

// ValidateCandidate checks an ICE candidate attribute line. The "a=" prefix
// is tolerated because some browsers still send it.
func ValidateCandidate(candidate string) error {
	if candidate == "" {
		return fmt.Errorf("candidate is required")
	}
	if len(candidate) > MaxCandidateLength {
		return fmt.Errorf("candidate is too long (max %d bytes)", MaxCandidateLength)
	}
	line := strings.TrimPrefix(candidate, "a=")
	if !strings.HasPrefix(line, "candidate:") {
		return fmt.Errorf("candidate must start with candidate:")
	}
	if strings.ContainsAny(line, "\r\n") {
		return fmt.Errorf("candidate must be a single line")
	}
	return nil
}

// ValidateICEServerURL validates a STUN/TURN url from configuration.
func ValidateICEServerURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("ICE server URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid ICE server URL: %w", err)
	}
	switch u.Scheme {
	case "stun", "stuns", "turn", "turns":
	default:
		return fmt.Errorf("invalid ICE server URL scheme (must be stun, stuns, turn, or turns)")
	}
	if u.Opaque == "" && u.Host == "" {
		return fmt.Errorf("ICE server URL must have a host")
	}
	return nil
}

// ValidateUsername validates username
func ValidateUsername(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if err := ValidateStringLength(username, 3, 50, "username"); err != nil {
		return err
	}
	if !usernameRegex.MatchString(username) {
		return fmt.Errorf("username contains invalid characters (only letters, numbers, _, - allowed)")
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
