package relay

import (
	"sync"
	"time"
)

type RateLimitSettings struct {
	Enabled           bool
	MessagesPerSecond float64
	Burst             float64
}

func DefaultRateLimitSettings() *RateLimitSettings {
	return &RateLimitSettings{
		Enabled:           false,
		MessagesPerSecond: 50,
		Burst:             100,
	}
}

// rateLimiter is a token bucket over inbound messages for one
// connection.
type rateLimiter struct {
	settings *RateLimitSettings

	stateLock sync.Mutex
	tokens    float64
	lastFill  time.Time
	totalHits int64
}

func newRateLimiter(settings *RateLimitSettings) *rateLimiter {
	return &rateLimiter{
		settings: settings,
		tokens:   settings.Burst,
		lastFill: time.Now(),
	}
}

// Allow consumes one token. When denied, returns how long until a
// token will be available and the total denial count.
func (self *rateLimiter) Allow() (bool, time.Duration, int64) {
	if !self.settings.Enabled {
		return true, 0, 0
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	now := time.Now()
	self.tokens += now.Sub(self.lastFill).Seconds() * self.settings.MessagesPerSecond
	if self.settings.Burst < self.tokens {
		self.tokens = self.settings.Burst
	}
	self.lastFill = now

	if self.tokens < 1 {
		self.totalHits += 1
		retryAfter := time.Duration((1 - self.tokens) / self.settings.MessagesPerSecond * float64(time.Second))
		return false, retryAfter, self.totalHits
	}
	self.tokens -= 1
	return true, 0, self.totalHits
}
