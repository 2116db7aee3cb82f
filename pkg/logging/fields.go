package logging

import (
	"time"
)

// Common field constructors
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

func Float64(key string, value float64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Engine field helpers

func Component(name string) Field {
	return String("component", name)
}

func NodeID(id uint64) Field {
	return Uint64("node_id", id)
}

func Timestamp(ts int64) Field {
	return Int64("timestamp", ts)
}

func LockID(id string) Field {
	return String("lock_id", id)
}

func FileID(id string) Field {
	return String("file_id", id)
}

func Path(p string) Field {
	return String("path", p)
}

func Bytes(n int64) Field {
	return Int64("bytes", n)
}

func Actions(n int) Field {
	return Int("actions", n)
}

func Latency(d time.Duration) Field {
	return Duration("latency", d)
}
