package security

import (
	"crypto/rand"
	"fmt"
	"io"
)

const (
	// CallerTokenLength is the length of generated caller tokens.
	CallerTokenLength = 39
	// RedeemCodeLength is the length of generated redemption codes.
	RedeemCodeLength = 12

	alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	urlSafe      = alphanumeric + "_-"
)

// GenerateCallerToken returns a random token drawn from [A-Za-z0-9].
func GenerateCallerToken() (string, error) {
	token, err := randomFromAlphabet(alphanumeric, CallerTokenLength)
	if err != nil {
		return "", fmt.Errorf("generate caller token: %w", err)
	}
	return token, nil
}

// GenerateRedeemCode returns a random code drawn from the URL-safe alphabet.
func GenerateRedeemCode() (string, error) {
	code, err := randomFromAlphabet(urlSafe, RedeemCodeLength)
	if err != nil {
		return "", fmt.Errorf("generate redeem code: %w", err)
	}
	return code, nil
}

// randomFromAlphabet draws length characters uniformly, rejecting bytes that would bias the modulo.
func randomFromAlphabet(alphabet string, length int) (string, error) {
	limit := 256 - 256%len(alphabet)
	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := io.ReadFull(rand.Reader, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}
