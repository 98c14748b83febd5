package common

import "github.com/sirupsen/logrus"

// NewLogger returns a logrus logger tagged with the owning component, e.g.
// "buffer_pool" or "lock_manager". Every package in this module logs
// through one of these rather than the bare log package.
func NewLogger(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}
