package scheduling

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

const roomIDPrefix = "room_"

// newRoomID returns an unguessable room identifier with 128 bits of entropy.
func newRoomID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return roomIDPrefix + uuid.New().String()
	}
	return roomIDPrefix + hex.EncodeToString(b)
}
