package logging

import (
	"fmt"
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

// Stringer renders value with its String method at log time. A nil value logs as null.
func Stringer(key string, value fmt.Stringer) Field {
	if value == nil {
		return Field{Key: key, Value: nil}
	}
	return Field{Key: key, Value: value.String()}
}

// Domain field helpers

func Component(name string) Field {
	return String("component", name)
}

func ShardID(id fmt.Stringer) Field {
	return Stringer("shard_id", id)
}

func ReplicationID(id int64) Field {
	return Int64("replication_id", id)
}

func Checkpoint(cp fmt.Stringer) Field {
	return Stringer("checkpoint", cp)
}

func PrimaryTerm(term uint64) Field {
	return Uint64("primary_term", term)
}

func Node(id string) Field {
	return String("node", id)
}

func Action(name string) Field {
	return String("action", name)
}

func Stage(name string) Field {
	return String("stage", name)
}

func Bytes(n int64) Field {
	return Int64("bytes", n)
}

func File(name string) Field {
	return String("file", name)
}

func Latency(d time.Duration) Field {
	return Duration("latency", d)
}

func Count(n int) Field {
	return Int("count", n)
}

func Path(p string) Field {
	return String("path", p)
}

func Reason(r string) Field {
	return String("reason", r)
}
