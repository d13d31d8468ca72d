package rtms

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign returns the hex HMAC-SHA256 of "clientID,meetingID,streamID" keyed by secret.
// The provider expects the same signature on both the signaling and the media handshake.
func Sign(clientID, meetingID, streamID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(clientID + "," + meetingID + "," + streamID))
	return hex.EncodeToString(mac.Sum(nil))
}
