package repositories

import (
	"strings"

	"marketplace-messaging/internal/apperr"
)

// ResolvePair returns the two participants in canonical ascending order, so
// (a, b) and (b, a) resolve to the same conversation key.
func ResolvePair(userA, userB string) (low string, high string, err error) {
	userA, userB = strings.TrimSpace(userA), strings.TrimSpace(userB)
	if userA == "" || userB == "" || userA == userB {
		return "", "", apperr.ErrInvalidPair
	}
	if userA < userB {
		return userA, userB, nil
	}
	return userB, userA, nil
}
