// Package testfixtures はサービス層のテスト用に、時計・ID生成器・インメモリStoreを提供する。
package testfixtures

import (
	"fmt"
	"sync"
	"time"
)

// ReferenceTime はテストで共通に使う基準時刻。
func ReferenceTime() time.Time {
	return time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
}

// Clock はテスト用に操作できる時計。
type Clock struct {
	mu      sync.Mutex
	current time.Time
}

// NewClock は指定時刻で初期化した時計を返す。ゼロ値の場合はReferenceTimeを使う。
func NewClock(start time.Time) *Clock {
	if start.IsZero() {
		start = ReferenceTime()
	}
	return &Clock{current: start}
}

// Now は現在時刻を返す。
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance は時計を進め、進めた後の時刻を返す。
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
	return c.current
}

// Set は時刻を設定する。
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

// IDGenerator は決定的なIDを生成する。
type IDGenerator struct {
	mu      sync.Mutex
	prefix  string
	counter uint64
}

// NewIDGenerator はprefix付きの連番IDを生成するジェネレータを返す。
func NewIDGenerator(prefix string) *IDGenerator {
	if prefix == "" {
		prefix = "id"
	}
	return &IDGenerator{prefix: prefix}
}

// Next は次のIDを返す。
func (g *IDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return fmt.Sprintf("%s-%d", g.prefix, g.counter)
}
