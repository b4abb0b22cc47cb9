package domain

import (
	"sync"
	"time"
)

// Clock 提供轉帳提交時間
type Clock interface {
	Now() time.Time
}

// MonotonicClock 保證同一個 process 內回傳的時間嚴格遞增
// 時間截斷到微秒，和 MySQL DATETIME(6) / Postgres timestamptz 的精度一致
type MonotonicClock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{now: time.Now}
}

// NewMonotonicClockFrom 使用自訂時間來源 (測試用)
func NewMonotonicClockFrom(now func() time.Time) *MonotonicClock {
	return &MonotonicClock{now: now}
}

func (c *MonotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}
