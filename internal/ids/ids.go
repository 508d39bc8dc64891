package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
// Entity rows (studies, jobs, status changes) sort by insertion order when
// ordered by id, which keeps append-only history queries cheap.
func New() string {
	return NewAt(time.Now())
}

// NewAt returns an identifier stamped with the given time. Tests use it to
// build histories with a known ordering.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
