package api

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medpipe_api_cache_hits_total",
		Help: "Status lookups served from the terminal-study cache.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medpipe_api_cache_misses_total",
		Help: "Status lookups that went to the ledger.",
	})
)

// studyCache holds views of terminal studies. A size <= 0 disables it.
type studyCache struct {
	lru *expirable.LRU[string, Study]
}

func newStudyCache(size int, ttl time.Duration) *studyCache {
	if size <= 0 {
		return &studyCache{}
	}
	return &studyCache{lru: expirable.NewLRU[string, Study](size, nil, ttl)}
}

func (c *studyCache) get(id string) (Study, bool) {
	if c.lru == nil {
		return Study{}, false
	}
	v, ok := c.lru.Get(id)
	if ok {
		cacheHitsTotal.Inc()
		return v, true
	}
	cacheMissesTotal.Inc()
	return Study{}, false
}

func (c *studyCache) add(id string, v Study) {
	if c.lru != nil {
		c.lru.Add(id, v)
	}
}

func (c *studyCache) len() int {
	if c.lru == nil {
		return 0
	}
	return c.lru.Len()
}
