package bucketing

import (
	"hash"
	"sync"

	"trust-service/internal/config"

	"github.com/spaolacci/murmur3"
)

// BucketingManager spreads account rows across a fixed number of
// partition buckets so no single Scylla partition grows hot.
type BucketingManager struct {
	accountBuckets int
	hasherPool     sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	return newManager(cfg.Bucketing.AccountBuckets)
}

func newManager(buckets int) *BucketingManager {
	if buckets <= 0 {
		buckets = 1
	}
	bm := &BucketingManager{accountBuckets: buckets}
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

// AccountBucket returns a stable bucket in [0, AccountBuckets()).
func (bm *BucketingManager) AccountBucket(accountID string) int {
	return int(bm.getHash(accountID) % uint64(bm.accountBuckets))
}

func (bm *BucketingManager) AccountBuckets() int {
	return bm.accountBuckets
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
