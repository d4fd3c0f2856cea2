package utils

import (
	"crypto/sha1"
	"encoding/hex"
)

// MakeHash returns hash string from plain text
func MakeHash(s string) string {
	hash := sha1.New()
	hash.Write([]byte(s))
	hashBytes := hash.Sum(nil)
	return hex.EncodeToString(hashBytes)
}

// MakeCacheKey returns a cache key for the given image url.
// Two distinct urls with the same digest share a key, the later save wins.
func MakeCacheKey(url string) string {
	return MakeHash(url)
}

// IsValidCacheKey checks if the key looks like a key made by MakeCacheKey
func IsValidCacheKey(key string) bool {
	if len(key) != sha1.Size*2 {
		return false
	}

	_, err := hex.DecodeString(key)
	return err == nil
}
