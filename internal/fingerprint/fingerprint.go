// Package fingerprint derives cache entry identifiers from request content
// and a caller-chosen TTL. The identifier embeds its own absolute expiry
// instant (`<sha256 hex>_<unix seconds>`), so expiry can be recovered from
// the identifier alone and the store never needs a side metadata file.
// Submitting identical content with a different TTL yields a different
// identifier on purpose: the TTL is part of the cache key.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// separator splits the content hash from the expiry timestamp. The hash part
// is hex, so the separator can never appear inside it.
const separator = "_"

// ErrInvalidID marks identifiers that do not parse as hash + expiry. Callers
// treat such identifiers as already expired, so corrupt names drain out of
// the store instead of accumulating.
var ErrInvalidID = errors.New("invalid entry identifier")

// Codec turns request payloads into self-expiring identifiers. The clock is
// injectable so tests can pin "now".
type Codec struct {
	now func() time.Time
}

// NewCodec returns a Codec backed by the wall clock.
func NewCodec() *Codec {
	return &Codec{now: time.Now}
}

// NewCodecAt returns a Codec with a fixed clock, for tests.
func NewCodecAt(now func() time.Time) *Codec {
	return &Codec{now: now}
}

// Encode builds the identifier for the given content and TTL. Identical
// (content, expiry) pairs always produce identical identifiers.
func (c *Codec) Encode(content []byte, ttl time.Duration) string {
	return EncodeAt(content, c.now().Add(ttl))
}

// EncodeAt builds the identifier for content expiring at the given instant.
func EncodeAt(content []byte, expiry time.Time) string {
	sum := sha256.Sum256(content)
	ts := strconv.FormatFloat(float64(expiry.UnixMicro())/1e6, 'f', 6, 64)
	return hex.EncodeToString(sum[:]) + separator + ts
}

// Decode recovers the expiry instant embedded in an identifier. It returns
// ErrInvalidID when the token does not split into a hex hash and a numeric
// timestamp.
func Decode(id string) (time.Time, error) {
	hash, ts, ok := strings.Cut(id, separator)
	if !ok || hash == "" || ts == "" {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	seconds, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return time.UnixMicro(int64(seconds * 1e6)).UTC(), nil
}

// IsExpired reports whether the identifier's embedded expiry has passed.
// Identifiers that fail to decode count as expired, biasing toward eviction.
func (c *Codec) IsExpired(id string) bool {
	expiry, err := Decode(id)
	if err != nil {
		return true
	}
	return expiry.Before(c.now())
}
