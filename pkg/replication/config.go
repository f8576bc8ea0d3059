package replication

import "time"

// Config configures the replication coordinator
type Config struct {
	WriteLockKey  string        // serializes writes fleet-wide
	DeleteLockKey string        // serializes deletes fleet-wide
	LockTTL       time.Duration // TTL of the write and delete locks
	ResyncLockTTL time.Duration // TTL of both locks while reconcile copies a replica
	OpTimeout     time.Duration // bound on one operation against one replica
}

// DefaultConfig returns the default lock names and timeouts
func DefaultConfig() Config {
	return Config{
		WriteLockKey:  "locks:databaseWrite",
		DeleteLockKey: "locks:databaseDelete",
		LockTTL:       10 * time.Second,
		ResyncLockTTL: 60 * time.Second,
		OpTimeout:     5 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.WriteLockKey == "" {
		c.WriteLockKey = d.WriteLockKey
	}
	if c.DeleteLockKey == "" {
		c.DeleteLockKey = d.DeleteLockKey
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.ResyncLockTTL <= 0 {
		c.ResyncLockTTL = d.ResyncLockTTL
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = d.OpTimeout
	}
}

// LockKeys returns the write and delete lock keys in acquisition order
func (c Config) LockKeys() []string {
	return []string{c.WriteLockKey, c.DeleteLockKey}
}
