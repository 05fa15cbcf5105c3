/*
Configuration surface of the transaction core.

The recognized options follow the postgres GUC names where the behavior
matches (deadlock_timeout, synchronous_commit, hot_standby_feedback, ...).
The file format is TOML, loaded the way tinykv loads its store config.
*/
package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// SyncCommitLevel controls how long Commit waits for durability.
// see https://www.postgresql.org/docs/current/runtime-config-wal.html#GUC-SYNCHRONOUS-COMMIT
type SyncCommitLevel string

const (
	// never wait for the WAL flush. a crash can lose recently committed transactions.
	SyncCommitOff SyncCommitLevel = "off"
	// wait for the local fsync only
	SyncCommitLocal SyncCommitLevel = "local"
	// additionally wait until a standby has written (not fsynced) the commit record
	SyncCommitRemoteWrite SyncCommitLevel = "remote_write"
	// additionally wait until a standby has applied the commit record
	SyncCommitRemoteApply SyncCommitLevel = "remote_apply"
)

// WALSyncPolicy decides what happens when fsync of the WAL fails.
type WALSyncPolicy string

const (
	// crash the process. this is the default because continuing after a failed
	// fsync risks undetectable data loss.
	WALSyncFatal WALSyncPolicy = "fatal"
	// surface the error to the caller and retry at the next flush/checkpoint
	WALSyncRetry WALSyncPolicy = "retry"
)

// Config carries every knob this core recognizes.
type Config struct {
	// how long a lock wait lasts before the deadlock detector scans the
	// waits-for graph
	DeadlockTimeout time.Duration `toml:"deadlock_timeout"`
	// upper bound of lock entries a single transaction may hold.
	// also used to pre-size the lock table.
	MaxLocksPerTransaction int `toml:"max_locks_per_transaction"`
	// how long a lock wait may last in total. zero means wait forever.
	LockTimeout time.Duration `toml:"lock_timeout"`
	// upper bound of concurrently active transactions
	MaxActiveTransactions int `toml:"max_active_transactions"`

	SynchronousCommit SyncCommitLevel `toml:"synchronous_commit"`
	// number of standbys whose acknowledgment a synchronous commit waits for
	SyncStandbyCount int `toml:"sync_standby_count"`

	WALDir         string        `toml:"wal_dir"`
	WALSegmentSize int64         `toml:"wal_segment_size"`
	WALSyncPolicy  WALSyncPolicy `toml:"wal_sync_policy"`
	// bounds disk growth from WAL retained for lagging standbys.
	// segments below (current - wal_keep_size) may be recycled even if a slot
	// still needs them, invalidating the slot.
	WALKeepSize int64 `toml:"wal_keep_size"`

	CheckpointInterval time.Duration `toml:"checkpoint_interval"`
	// how often the background vacuum sweeps dead versions
	VacuumInterval time.Duration `toml:"vacuum_interval"`

	// standby feedback prevents the GC horizon from invalidating rows a
	// standby query still needs
	HotStandbyFeedback bool `toml:"hot_standby_feedback"`
	// how long standby replay pauses for a conflicting standby query before
	// canceling it
	MaxStandbyStreamingDelay time.Duration `toml:"max_standby_streaming_delay"`
	// a walsender drops a standby that has not sent feedback for this long
	WALSenderTimeout time.Duration `toml:"wal_sender_timeout"`

	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"`
}

// Default returns the default configuration.
// the durations mirror the postgres defaults where one exists.
func Default() *Config {
	return &Config{
		DeadlockTimeout:          time.Second,
		MaxLocksPerTransaction:   64,
		LockTimeout:              0,
		MaxActiveTransactions:    1024,
		SynchronousCommit:        SyncCommitLocal,
		SyncStandbyCount:         1,
		WALDir:                   "pptxn_wal",
		WALSegmentSize:           16 * 1024 * 1024,
		WALSyncPolicy:            WALSyncFatal,
		WALKeepSize:              0,
		CheckpointInterval:       5 * time.Minute,
		VacuumInterval:           time.Minute,
		HotStandbyFeedback:       false,
		MaxStandbyStreamingDelay: 30 * time.Second,
		WALSenderTimeout:         time.Minute,
		LogLevel:                 "info",
	}
}

// Load reads a TOML file over the defaults
func Load(path string) (*Config, error) {
	c := Default()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, errors.Wrap(err, "toml.DecodeFile failed")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects configurations this core cannot run with
func (c *Config) Validate() error {
	switch c.SynchronousCommit {
	case SyncCommitOff, SyncCommitLocal, SyncCommitRemoteWrite, SyncCommitRemoteApply:
	default:
		return errors.Errorf("unknown synchronous_commit level: %s", c.SynchronousCommit)
	}
	switch c.WALSyncPolicy {
	case WALSyncFatal, WALSyncRetry:
	default:
		return errors.Errorf("unknown wal_sync_policy: %s", c.WALSyncPolicy)
	}
	if c.DeadlockTimeout <= 0 {
		return errors.New("deadlock_timeout must be positive")
	}
	if c.WALSegmentSize <= 0 {
		return errors.New("wal_segment_size must be positive")
	}
	if c.MaxActiveTransactions <= 0 {
		return errors.New("max_active_transactions must be positive")
	}
	return nil
}
