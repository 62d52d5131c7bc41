package common

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	processID     string
	processIDOnce sync.Once
	instances     atomic.Uint64
)

// ProcessID returns the identity token generated once per process
func ProcessID() string {
	processIDOnce.Do(func() {
		processID = uuid.NewString()
	})
	return processID
}

// NewClientID returns a replica identity unique within the process. All ids
// share the process token so logs can be correlated.
func NewClientID() string {
	return fmt.Sprintf("%s-%d", ProcessID(), instances.Add(1))
}
