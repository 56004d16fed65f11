package debuglog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

const queueSize = 1024

type logger struct {
	once sync.Once
	ch   chan string
}

var (
	global logger
	rlMu   sync.Mutex
	rlLast = make(map[string]time.Time)
)

func enabled() bool {
	return os.Getenv("TROLLBOX_DEBUG") == "1"
}

func (l *logger) start() {
	l.once.Do(func() {
		l.ch = make(chan string, queueSize)
		go func() {
			for msg := range l.ch {
				_, _ = os.Stderr.WriteString(msg)
			}
		}()
	})
}

// Logf always writes; when debug mode is on it goes through the async queue
// so relay and fetch goroutines never block on a slow stderr.
func Logf(format string, args ...any) {
	msg := fmt.Sprintf(format+"\n", args...)
	if !enabled() {
		_, _ = os.Stderr.WriteString(msg)
		return
	}
	global.start()
	select {
	case global.ch <- msg:
	default:
		// Drop when saturated.
	}
}

func Debugf(format string, args ...any) {
	if !enabled() {
		return
	}
	Logf(format, args...)
}

// RateLimitedf suppresses repeats of the same key within interval. Used for
// per-endpoint dial failures which otherwise flood the log on a dead relay.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !enabled() || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	for k, ts := range rlLast {
		if now.Sub(ts) > 8*interval {
			delete(rlLast, k)
		}
	}
	rlMu.Unlock()
	Logf(format, args...)
}
