package pipeline

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// batchIndex maps a URL to the position of its first occurrence within one
// batch, so repeated entries are fetched once and copied. It is bounded: a URL
// whose entry was evicted is fetched again. A nil index never matches.
type batchIndex struct {
	first *lru.Cache[string, int]
}

func newBatchIndex(size int) (*batchIndex, error) {
	if size <= 0 {
		return nil, nil
	}
	first, err := lru.New[string, int](size)
	if err != nil {
		return nil, fmt.Errorf("create batch index: %w", err)
	}
	return &batchIndex{first: first}, nil
}

func (b *batchIndex) lookup(url string) (int, bool) {
	if b == nil {
		return 0, false
	}
	return b.first.Get(url)
}

func (b *batchIndex) remember(url string, pos int) {
	if b == nil {
		return
	}
	b.first.Add(url, pos)
}
