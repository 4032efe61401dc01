package waha

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
)

// VerifySignature checks the X-Webhook-Hmac header: an HMAC-SHA512 of the
// raw request body, hex-encoded.
func VerifySignature(secret string, body []byte, provided string) bool {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(provided))
}

// AckName normalizes the backend's numeric ack levels to their names.
// Unknown levels come back empty.
func AckName(ack int) string {
	switch ack {
	case -1:
		return "ERROR"
	case 0:
		return "PENDING"
	case 1:
		return "SERVER"
	case 2:
		return "DEVICE"
	case 3:
		return "READ"
	case 4:
		return "PLAYED"
	}
	return ""
}
