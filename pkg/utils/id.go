package utils

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// StreamIDPrefix marks identifiers minted for stream sessions.
const StreamIDPrefix = "stream_"

const (
	streamIDEntropyBytes = 12
	secretBytes          = 32
)

// GenerateStreamID returns "stream_<base36 millis>_<24 hex chars>". The random
// suffix keeps IDs distinct when several are minted within one millisecond.
func GenerateStreamID() (string, error) {
	b := make([]byte, streamIDEntropyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	millis := strconv.FormatInt(time.Now().UnixMilli(), 36)
	return StreamIDPrefix + millis + "_" + hex.EncodeToString(b), nil
}

// GenerateSecret returns a URL-safe, unpadded encoding of 32 random bytes.
func GenerateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
