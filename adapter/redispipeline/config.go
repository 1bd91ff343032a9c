package redispipeline

import (
	"fmt"
	"os"
	"time"
)

// Config controls the Redis Streams-backed Pipeline. Field names and
// defaults mirror trickstertwo-xbus/adapter/redisstream/config.go; the
// topic/group pair there becomes a per-endpoint request/response stream
// pair here, since a Pipeline correlates one connection's requests, not a
// pub/sub fan-out.
type Config struct {
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	Group      string
	Consumer   string
	BatchSize  int
	Block      time.Duration
	AutoCreate bool

	MaxConsecutiveErrors int
}

// Defaults returns a production-safe Config for a single Pipeline.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "dbconn"
	}
	return Config{
		Addr:                 "127.0.0.1:6379",
		Group:                "dbconn",
		Consumer:             fmt.Sprintf("dbconn-%s-%d", hostname, os.Getpid()),
		BatchSize:            64,
		Block:                5 * time.Second,
		AutoCreate:           true,
		MaxConsecutiveErrors: 5,
	}
}

func (c Config) requestStream(endpointID uint64) string {
	return fmt.Sprintf("dbconn:req:%d", endpointID)
}

func (c Config) responseStream(endpointID uint64) string {
	return fmt.Sprintf("dbconn:resp:%d", endpointID)
}
