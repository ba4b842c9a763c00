package pool

import (
	"encoding/binary"
	"encoding/hex"
	"sync"

	"github.com/bardlex/scashpool/pkg/errors"
)

// ExtranonceSize is the extranonce1 length in bytes.
const ExtranonceSize = 4

// ErrExtranonceExhausted is returned when every extranonce1 value is in use.
var ErrExtranonceExhausted = errors.New(errors.ErrorTypeInternal, "extranonce_allocate",
	"extranonce1 space exhausted")

// ExtranonceAllocator hands out extranonce1 values that are unique among
// open sessions. Released values become available again.
type ExtranonceAllocator struct {
	mu    sync.Mutex
	next  uint32
	inUse map[uint32]struct{}
	limit uint64
}

// NewExtranonceAllocator creates an allocator over the full 4-byte space.
func NewExtranonceAllocator() *ExtranonceAllocator {
	return newExtranonceAllocator(1 << 32)
}

func newExtranonceAllocator(limit uint64) *ExtranonceAllocator {
	return &ExtranonceAllocator{
		inUse: make(map[uint32]struct{}),
		limit: limit,
	}
}

// Allocate returns an unused extranonce1 as hex.
func (a *ExtranonceAllocator) Allocate() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if uint64(len(a.inUse)) >= a.limit {
		return "", ErrExtranonceExhausted
	}

	for {
		v := a.next
		a.next++
		if uint64(a.next) >= a.limit {
			a.next = 0
		}
		if _, taken := a.inUse[v]; taken {
			continue
		}
		a.inUse[v] = struct{}{}

		var buf [ExtranonceSize]byte
		binary.BigEndian.PutUint32(buf[:], v)
		return hex.EncodeToString(buf[:]), nil
	}
}

// Release returns extranonce1 to the pool. Unknown values are ignored.
func (a *ExtranonceAllocator) Release(extranonce1 string) {
	raw, err := hex.DecodeString(extranonce1)
	if err != nil || len(raw) != ExtranonceSize {
		return
	}

	a.mu.Lock()
	delete(a.inUse, binary.BigEndian.Uint32(raw))
	a.mu.Unlock()
}

// InUse returns the number of allocated values.
func (a *ExtranonceAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}
