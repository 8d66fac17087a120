package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// replyPrefixes are stripped from a subject, case-insensitively and
// repeatedly, before hashing.
var replyPrefixes = []string{"re:", "fwd:", "fw:"}

// NormalizeSubject removes leading reply and forward markers so that
// "Re: Fwd: Lunch" and "lunch" land in the same thread.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		lower := strings.ToLower(s)
		stripped := false
		for _, p := range replyPrefixes {
			if strings.HasPrefix(lower, p) {
				s = strings.TrimSpace(s[len(p):])
				stripped = true
				break
			}
		}
		if !stripped {
			return strings.ToLower(s)
		}
	}
}

// ThreadID hashes the normalized subject into a stable 32-character key.
func ThreadID(subject string) string {
	sum := sha256.Sum256([]byte(NormalizeSubject(subject)))
	return hex.EncodeToString(sum[:16])
}
