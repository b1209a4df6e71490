package config

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultExpiredCleanupInterval   = time.Hour
	defaultContactRetentionInterval = 24 * time.Hour
)

var (
	expiredCleanupInterval    atomic.Value
	contactRetentionInterval  atomic.Value
	expiredCleanupListeners   []chan time.Duration
	contactRetentionListeners []chan time.Duration
	listenersMu               sync.Mutex
)

func init() {
	expiredCleanupInterval.Store(defaultExpiredCleanupInterval)
	contactRetentionInterval.Store(defaultContactRetentionInterval)
}

func SetBetweenTime() {
	cfg := GetConfig()
	setInterval(&expiredCleanupInterval, &expiredCleanupListeners,
		intervalOrDefault(cfg.NetworkRules.ExpiredCleanupTimer, defaultExpiredCleanupInterval))
	setInterval(&contactRetentionInterval, &contactRetentionListeners,
		intervalOrDefault(cfg.Contacts.RetentionTimer, defaultContactRetentionInterval))
}

// CalculateBetweenTime converts a timer to a duration of at least one second.
func CalculateBetweenTime(timer Timer) time.Duration {
	intervalMs := CalculateMillisecondsOfCheckingPeriod(timer)

	minInterval := uint64(1000)
	if intervalMs < minInterval {
		intervalMs = minInterval
	}

	return time.Duration(intervalMs) * time.Millisecond
}

func CalculateMillisecondsOfCheckingPeriod(timer Timer) uint64 {
	return uint64(timer.Days)*24*60*60*1000 +
		uint64(timer.Hours)*60*60*1000 +
		uint64(timer.Minutes)*60*1000 +
		uint64(timer.Seconds)*1000
}

func (t Timer) IsZero() bool {
	return t.Days == 0 && t.Hours == 0 && t.Minutes == 0 && t.Seconds == 0
}

func intervalOrDefault(timer Timer, fallback time.Duration) time.Duration {
	if timer.IsZero() {
		return fallback
	}
	return CalculateBetweenTime(timer)
}

func setInterval(value *atomic.Value, listeners *[]chan time.Duration, interval time.Duration) {
	if interval <= 0 {
		return
	}
	if current, ok := value.Load().(time.Duration); ok && current == interval {
		return
	}
	value.Store(interval)

	listenersMu.Lock()
	defer listenersMu.Unlock()
	for _, ch := range *listeners {
		select {
		case ch <- interval:
		default:
		}
	}
}

func subscribe(value *atomic.Value, listeners *[]chan time.Duration) <-chan time.Duration {
	ch := make(chan time.Duration, 1)
	listenersMu.Lock()
	*listeners = append(*listeners, ch)
	listenersMu.Unlock()

	ch <- value.Load().(time.Duration)
	return ch
}

func GetExpiredCleanupInterval() time.Duration {
	return expiredCleanupInterval.Load().(time.Duration)
}

// ExpiredCleanupIntervalUpdates yields the current interval immediately and
// every later change. Slow readers only miss intermediate values.
func ExpiredCleanupIntervalUpdates() <-chan time.Duration {
	return subscribe(&expiredCleanupInterval, &expiredCleanupListeners)
}

func GetContactRetentionInterval() time.Duration {
	return contactRetentionInterval.Load().(time.Duration)
}

func ContactRetentionIntervalUpdates() <-chan time.Duration {
	return subscribe(&contactRetentionInterval, &contactRetentionListeners)
}
