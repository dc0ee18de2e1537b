package draftguard

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"
)

// WorkKey identifies one unit of generation work. Equal inputs always produce
// the same key; it is used as the lookup field for cached drafts.
type WorkKey string

// OperationKind tags an operation family. Each family gets its own key space.
type OperationKind string

// Operation kinds used by the bundled feature callers.
const (
	KindSEOFixPreview           OperationKind = "seo_fix_preview"
	KindLocalDiscoveryPreview   OperationKind = "local_discovery_preview"
	KindAnswerDraft             OperationKind = "answer_draft"
	KindProductDescriptionDraft OperationKind = "product_description_draft"
)

const workKeyHashBytes = 16

// DeriveWorkKey builds a deterministic key from the ordered scope ids, the
// operation kind, the ordered discriminators and an optional content
// fingerprint.
//
// Format: wk:<kind>:<hash>, where hash is the first 16 bytes (hex) of
// SHA-256 over a length-prefixed encoding of every input. Length prefixes keep
// ("ab") and ("a","b") apart.
func DeriveWorkKey(scope []string, kind OperationKind, discriminators []string, fingerprint string) WorkKey {
	h := sha256.New()

	writeSection(h, "scope", scope)
	writeField(h, string(kind))
	writeSection(h, "disc", discriminators)
	if fingerprint != "" {
		writeField(h, "fp")
		writeField(h, fingerprint)
	}

	sum := h.Sum(nil)
	return WorkKey("wk:" + string(kind) + ":" + hex.EncodeToString(sum[:workKeyHashBytes]))
}

// Kind returns the operation kind embedded in the key, or "" if the key was
// not produced by DeriveWorkKey.
func (k WorkKey) Kind() OperationKind {
	rest, ok := strings.CutPrefix(string(k), "wk:")
	if !ok {
		return ""
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 {
		return ""
	}
	return OperationKind(rest[:i])
}

// Validate reports whether k is usable as a draft lookup key.
func (k WorkKey) Validate() error {
	if strings.TrimSpace(string(k)) == "" || strings.ContainsAny(string(k), "\n\r") {
		return ErrInvalidWorkKey
	}
	return nil
}

// FingerprintTime renders a source last-modified time as a content
// fingerprint. A change to the source content changes the derived key.
func FingerprintTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

type byteWriter interface {
	Write(p []byte) (int, error)
}

func writeSection(w byteWriter, tag string, parts []string) {
	writeField(w, tag)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(parts)))
	_, _ = w.Write(n[:])
	for _, p := range parts {
		writeField(w, p)
	}
}

func writeField(w byteWriter, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	_, _ = w.Write(n[:])
	_, _ = w.Write([]byte(s))
}
