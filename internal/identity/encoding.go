package identity

import "encoding/base64"

func b64(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeB64(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
