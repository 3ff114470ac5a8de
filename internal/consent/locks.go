package consent

import (
	"sync"

	"github.com/spaolacci/murmur3"
)

const lockStripes = 64

// accountLocks serializes resolution effects per account within one
// process. Accounts hash onto a fixed set of stripes.
type accountLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *accountLocks) lock(accountID string) func() {
	mu := &l.stripes[murmur3.Sum32([]byte(accountID))%lockStripes]
	mu.Lock()
	return mu.Unlock
}
