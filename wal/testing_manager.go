package wal

import (
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// TestingNewManager initializes wal manager for test
func TestingNewManager() (*Manager, error) {
	return TestingNewManagerWithSegmentSize(DefaultSegmentSize)
}

// TestingNewManagerWithSegmentSize initializes wal manager for test with a
// small segment size so segment-spanning paths can be exercised
func TestingNewManagerWithSegmentSize(segmentSize int64) (*Manager, error) {
	dir, err := os.MkdirTemp("", "pptxn-wal-")
	if err != nil {
		return nil, errors.Wrap(err, "create temp wal directory")
	}
	return NewManager(dir, segmentSize, SyncPolicyRetry, 0, zap.NewNop())
}
