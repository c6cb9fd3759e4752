package ssh

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// connIDSeq hands out a monotonic id for each Connection, used to tag its
// logger so log lines from concurrent connections in the same process can
// be told apart.
var connIDSeq uint64

func nextConnID() uint64 {
	return atomic.AddUint64(&connIDSeq, 1)
}

// newConnLogger returns a logrus entry tagged with conn_id and component,
// one per Connection. Passing a nil base logger falls
// back to logrus's standard logger.
func newConnLogger(base *logrus.Logger, connID uint64, component string) *logrus.Entry {
	if base == nil {
		base = logrus.StandardLogger()
	}
	return base.WithFields(logrus.Fields{
		"conn_id":   connID,
		"component": component,
	})
}
