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

func Strings(key string, values []string) Field {
	out := make([]string, len(values))
	copy(out, values)
	return Field{Key: key, Value: out}
}

// Coordinator field helpers
func Component(name string) Field {
	return String("component", name)
}

func Node(id int) Field {
	return Int("node", id)
}

func Peer(id int) Field {
	return Int("peer", id)
}

func Leader(id int) Field {
	return Int("leader", id)
}

func Replica(name string) Field {
	return String("replica", name)
}

func Table(name string) Field {
	return String("table", name)
}

func LockKey(key string) Field {
	return String("lock", key)
}

func Operation(op string) Field {
	return String("operation", op)
}

func Latency(d time.Duration) Field {
	return Duration("latency", d)
}

func Count(n int) Field {
	return Int("count", n)
}
