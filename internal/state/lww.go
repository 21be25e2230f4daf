package state

import (
	"time"

	"github.com/jun/gophboard/internal/model"
)

// DefaultTolerance is the window within which an incoming remote version is
// treated as an echo of the local one.
const DefaultTolerance = 100 * time.Millisecond

// ShouldApply reports whether incoming should overwrite local. A nil local
// always accepts. Otherwise incoming must be newer than local by more than
// tolerance.
func ShouldApply(local *model.Shape, incoming model.Shape, tolerance time.Duration) bool {
	if local == nil {
		return true
	}
	return incoming.UpdatedAt > local.UpdatedAt+tolerance.Milliseconds()
}
