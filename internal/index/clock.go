package index

import "time"

// Clock supplies the unix-millisecond timestamps stamped on index rows.
type Clock interface {
	NowMillis() int64
}

// WallClock reads the system clock.
type WallClock struct{}

func (WallClock) NowMillis() int64 {
	return time.Now().UnixMilli()
}
