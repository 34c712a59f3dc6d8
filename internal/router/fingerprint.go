package router

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// unitSeparator joins the canonicalized fields before hashing. It is chosen
// over a printable delimiter (":", "|") because it does not occur in
// ordinary identifiers, so (ab, c, x) and (a, bc, x) hash differently.
// Inputs are not checked for it: a field that itself contains "\x1f" can
// still collide by field-boundary ambiguity.
const unitSeparator = "\x1f"

// Fingerprint derives a deterministic conversation key from a bot
// identifier and the optional routing context carried on a LaneMessage.
// Canonicalization: both identifiers are trimmed and lower-cased (channel adapters are
// inconsistent about case — e.g. a display name vs. a numeric ID), and
// messageType is trimmed and lower-cased with no synonym table — unknown
// or adapter-specific types pass through verbatim rather than being
// guessed at. Same (botID, peerID, messageType) always yields the same
// key; it does not depend on wall-clock time or map iteration order.
func Fingerprint(botID, peerID, messageType string) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(botID))))
	h.Write([]byte(unitSeparator))
	h.Write([]byte(strings.ToLower(strings.TrimSpace(peerID))))
	h.Write([]byte(unitSeparator))
	h.Write([]byte(strings.ToLower(strings.TrimSpace(messageType))))
	return hex.EncodeToString(h.Sum(nil))
}
