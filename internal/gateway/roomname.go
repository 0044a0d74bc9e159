package gateway

import (
	"regexp"
	"strings"
)

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ParseRoomPath maps a connection path of the form /<namespace>/<documentId>
// (optionally /<namespace>/<documentId>/<pageId>) to the document name the
// engine knows it by. Anything else is rejected with ErrInvalidRoom.
func ParseRoomPath(path string) (string, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "", ErrInvalidRoom
	}
	segments := strings.Split(trimmed, "/")
	if len(segments) < 2 || len(segments) > 3 {
		return "", ErrInvalidRoom
	}
	for _, seg := range segments {
		if !segmentPattern.MatchString(seg) {
			return "", ErrInvalidRoom
		}
	}
	return strings.Join(segments, "/"), nil
}
