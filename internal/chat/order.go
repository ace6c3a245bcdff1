package chat

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"chatwire/internal/domain"

	"github.com/google/uuid"
)

const tempIDPrefix = "temp-"

// NewTempID allocates a temp-correlation id for an optimistic send. The
// millisecond component participates in ordering; the random suffix keeps
// two sends within the same millisecond distinct.
func NewTempID(now time.Time) string {
	return fmt.Sprintf("%s%d-%s", tempIDPrefix, now.UnixMilli(), uuid.NewString()[:8])
}

// IsTempID reports whether id is a temp-correlation id.
func IsTempID(id string) bool { return strings.HasPrefix(id, tempIDPrefix) }

// tempMillis extracts the embedded millisecond component of a temp id.
func tempMillis(id string) (int64, bool) {
	if !strings.HasPrefix(id, tempIDPrefix) {
		return 0, false
	}
	rest := id[len(tempIDPrefix):]
	if i := strings.IndexByte(rest, '-'); i > 0 {
		rest = rest[:i]
	}
	ms, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return ms, true
}

// less is the total order over a conversation: timestamp ascending, then id
// tie-break. Two temp ids compare by their embedded millisecond component
// numerically; at equal timestamps an optimistic entry sorts after a
// confirmed one. The final lexicographic id compare assumes nothing about
// the server's id scheme and is a known limitation for identical timestamps.
func less(a, b domain.Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	am, aok := tempMillis(a.ID)
	bm, bok := tempMillis(b.ID)
	if aok && bok && am != bm {
		return am < bm
	}
	if a.Optimistic != b.Optimistic {
		return !a.Optimistic // confirmed first
	}
	return a.ID < b.ID
}

// sortMessages re-sorts a materialized conversation in place.
func sortMessages(msgs []domain.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return less(msgs[i], msgs[j]) })
}
