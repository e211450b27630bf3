// Package cache stores generated answers keyed by a fingerprint of the query.
package cache

import (
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/minio/highwayhash"
)

var fingerprintKey = []byte("shiori-query-fingerprint-key-256")

// Normalize lowercases and trims a query before fingerprinting.
func Normalize(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

// Fingerprint returns the 16 hex character hash of the normalized query and topK.
func Fingerprint(query string, topK int) string {
	h, err := highwayhash.New64(fingerprintKey)
	if err != nil {
		// the key is a constant 32 bytes
		panic(err)
	}
	_, _ = h.Write([]byte(Normalize(query) + ":" + strconv.Itoa(topK)))
	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], h.Sum64())
	return hex.EncodeToString(sum[:])
}
