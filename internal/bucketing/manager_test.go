package bucketing

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccountBucketStableAndInRange(t *testing.T) {
	bm := newManager(16)

	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("acct-%d", i)
		b := bm.AccountBucket(id)
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 16)
		assert.Equal(t, b, bm.AccountBucket(id))
	}
}

func TestNonPositiveBucketCountFallsBackToOne(t *testing.T) {
	bm := newManager(0)
	assert.Equal(t, 1, bm.AccountBuckets())
	assert.Equal(t, 0, bm.AccountBucket("anything"))
}
