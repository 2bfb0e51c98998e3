package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

func hmacSHA256(secret string, body []byte) []byte {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write(body)
	return m.Sum(nil)
}

// SignBase64 returns base64(HMAC-SHA256(body, secret)), the chat_a header value.
func SignBase64(secret string, body []byte) string {
	return base64.StdEncoding.EncodeToString(hmacSHA256(secret, body))
}

// SignHexSHA256 returns "sha256=" + hex(HMAC-SHA256(body, secret)), the chat_b header value.
func SignHexSHA256(secret string, body []byte) string {
	return "sha256=" + hex.EncodeToString(hmacSHA256(secret, body))
}

func verifyBase64(secret string, body []byte, header string) bool {
	if secret == "" || header == "" {
		return false
	}
	got, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	if err != nil {
		return false
	}
	return hmac.Equal(got, hmacSHA256(secret, body))
}

func verifyHexSHA256(secret string, body []byte, header string) bool {
	if secret == "" {
		return false
	}
	hexSig, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	return hmac.Equal(got, hmacSHA256(secret, body))
}
