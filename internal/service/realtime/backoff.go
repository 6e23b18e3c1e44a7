package realtime

import (
	"math/rand"
	"time"
)

// Backoff 指数退避：min(Initial·2^(k-1), Max) + jitter
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter 返回追加的随机抖动，nil 表示不抖动
	Jitter func() time.Duration
}

// DefaultJitter 在 [0, 1s) 内均匀取值
func DefaultJitter() time.Duration {
	return time.Duration(rand.Int63n(int64(time.Second)))
}

// Deterministic 返回第 attempt 次重连的确定部分（attempt 从 1 开始）
func (b Backoff) Deterministic(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Initial <= 0 {
		return 0
	}
	d := b.Initial
	for i := 1; i < attempt; i++ {
		if b.Max > 0 && d >= b.Max {
			break
		}
		// 防止溢出
		if d > time.Duration(1<<62) {
			break
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Delay 返回第 attempt 次重连前的总等待时间
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Deterministic(attempt)
	if b.Jitter != nil {
		if j := b.Jitter(); j > 0 {
			d += j
		}
	}
	return d
}
