package bucketing

import (
	"hash"
	"sync"
	"time"

	"portal-auth/internal/config"

	"github.com/spaolacci/murmur3"
)

// BucketingManager spreads accounts and audit events over fixed partition
// buckets. Changing a bucket count re-homes existing rows, so counts are
// deployment constants.
type BucketingManager struct {
	accountBuckets int
	eventBuckets   int
	hasherPool     sync.Pool
}

type BucketAssignment struct {
	AccountBucket int    `json:"account_bucket"`
	EventBucket   int    `json:"event_bucket"`
	DateBucket    string `json:"date_bucket"`
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		accountBuckets: cfg.Bucketing.AccountBuckets,
		eventBuckets:   cfg.Bucketing.EventBuckets,
	}
	if bm.accountBuckets <= 0 {
		bm.accountBuckets = 1
	}
	if bm.eventBuckets <= 0 {
		bm.eventBuckets = 1
	}

	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// AccountBucket returns the partition bucket for an account id.
func (bm *BucketingManager) AccountBucket(accountID string) int {
	return bm.getBucket(accountID, bm.accountBuckets)
}

// EventBucket returns the bucket for audit events keyed by identifier.
func (bm *BucketingManager) EventBucket(identifier string) int {
	return bm.getBucket(identifier, bm.eventBuckets)
}

func (bm *BucketingManager) DateBucket(at time.Time) string {
	return at.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) Assign(accountID string, at time.Time) *BucketAssignment {
	return &BucketAssignment{
		AccountBucket: bm.AccountBucket(accountID),
		EventBucket:   bm.EventBucket(accountID),
		DateBucket:    bm.DateBucket(at),
	}
}

func (bm *BucketingManager) AccountBuckets() int {
	return bm.accountBuckets
}

func (bm *BucketingManager) EventBuckets() int {
	return bm.eventBuckets
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
