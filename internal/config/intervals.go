package config

import (
	"sync/atomic"
	"time"
)

// Intervals holds the polling periods that may change while the process runs.
// Readers observe updates on their next tick without a restart.
type Intervals struct {
	poll       atomic.Int64
	credential atomic.Int64
}

// NewIntervals seeds runtime intervals from loaded configuration.
func NewIntervals(cfg MonitorConfig) *Intervals {
	iv := &Intervals{}
	iv.poll.Store(int64(cfg.PollInterval))
	iv.credential.Store(int64(cfg.CredentialCheckInterval))
	return iv
}

// Poll returns the monitor queue polling period.
func (i *Intervals) Poll() time.Duration {
	return time.Duration(i.poll.Load())
}

// CredentialCheck returns the credential validation period.
func (i *Intervals) CredentialCheck() time.Duration {
	return time.Duration(i.credential.Load())
}

// SetPoll updates the polling period. Non-positive values are ignored.
func (i *Intervals) SetPoll(d time.Duration) bool {
	if d <= 0 {
		return false
	}
	i.poll.Store(int64(d))
	return true
}

// SetCredentialCheck updates the validation period. Non-positive values are ignored.
func (i *Intervals) SetCredentialCheck(d time.Duration) bool {
	if d <= 0 {
		return false
	}
	i.credential.Store(int64(d))
	return true
}
