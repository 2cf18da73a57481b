package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
)

// krakenSign implements Kraken's REST API-Sign scheme: base64(HMAC-SHA512(
// path + SHA256(nonce + postdata), base64-decoded secret)).
func krakenSign(path, nonce, postdata, apiSecret string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(apiSecret)
	if err != nil {
		return "", fmt.Errorf("decode api secret: %w", err)
	}

	shaSum := sha256.Sum256([]byte(nonce + postdata))

	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(shaSum[:])

	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
