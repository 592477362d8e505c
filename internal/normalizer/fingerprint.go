package normalizer

import (
	"encoding/hex"
	"strconv"

	"golang.org/x/crypto/blake2b"

	"github.com/good-yellow-bee/blazecatch/internal/models"
)

// fingerprintLen is the number of hash bytes kept in the hex fingerprint.
const fingerprintLen = 16

// Fingerprint computes the grouping key for an event.
//
// With a stack: hash(message, top.Function, top.Source, top.Line), fields
// NUL-separated.
// Without one: hash(message), plus the source URL when sourceFallback is set
// and a location is known. Distinct call sites sharing a message and top
// frame are grouped together.
func Fingerprint(e *models.ErrorEvent, sourceFallback bool) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(e.Message))
	h.Write([]byte{0})

	if top, ok := e.TopFrame(); ok {
		h.Write([]byte(top.Function))
		h.Write([]byte{0})
		h.Write([]byte(top.Source))
		h.Write([]byte{0})
		h.Write([]byte(strconv.Itoa(top.Line)))
	} else if sourceFallback && e.SourceLocation != nil && e.SourceLocation.URL != "" {
		h.Write([]byte{1})
		h.Write([]byte(e.SourceLocation.URL))
	}

	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:fingerprintLen])
}
