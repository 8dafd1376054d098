package telemetry

import (
	"sync"
	"time"
)

// CardinalityLimiter prevents unbounded metric cardinality from labels with
// many distinct values (session ids, plan ids), which would otherwise blow
// up the OTel exporter's series count.
type CardinalityLimiter struct {
	limits map[string]int
	seen   sync.Map // map[metric.label]*sync.Map[value]time.Time

	stopChan chan struct{}
	stopped  sync.Once
}

// NewCardinalityLimiter creates a limiter with per-label caps.
func NewCardinalityLimiter(limits map[string]int) *CardinalityLimiter {
	c := &CardinalityLimiter{
		limits:   limits,
		stopChan: make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// CheckAndLimit returns value unchanged if under the label's cardinality
// limit, or "other" once the limit has been reached by distinct values.
func (c *CardinalityLimiter) CheckAndLimit(metric, label, value string) string {
	key := metric + "." + label

	limit, hasLimit := c.limits[label]
	if !hasLimit {
		return value
	}

	valMapI, _ := c.seen.LoadOrStore(key, &sync.Map{})
	valMap := valMapI.(*sync.Map)

	count := 0
	valMap.Range(func(k, v interface{}) bool {
		count++
		return count < limit
	})

	if count >= limit {
		if _, exists := valMap.Load(value); !exists {
			return "other"
		}
	}

	valMap.Store(value, time.Now())
	return value
}

// CurrentCardinality returns the total number of distinct label values
// currently tracked across all metrics.
func (c *CardinalityLimiter) CurrentCardinality() int {
	total := 0
	c.seen.Range(func(key, valMapI interface{}) bool {
		valMap := valMapI.(*sync.Map)
		valMap.Range(func(val, v interface{}) bool {
			total++
			return true
		})
		return true
	})
	return total
}

// MaxCardinality returns the sum of all configured per-label limits.
func (c *CardinalityLimiter) MaxCardinality() int {
	total := 0
	for _, limit := range c.limits {
		total += limit
	}
	return total
}

func (c *CardinalityLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopChan:
			return
		}
	}
}

// cleanup drops label values not seen in the last 10 minutes.
func (c *CardinalityLimiter) cleanup() {
	cutoff := time.Now().Add(-10 * time.Minute)
	c.seen.Range(func(key, valMapI interface{}) bool {
		valMap := valMapI.(*sync.Map)
		valMap.Range(func(val, timeI interface{}) bool {
			if timeI.(time.Time).Before(cutoff) {
				valMap.Delete(val)
			}
			return true
		})
		return true
	})
}

// Stop halts the cleanup goroutine.
func (c *CardinalityLimiter) Stop() {
	c.stopped.Do(func() {
		close(c.stopChan)
	})
}
