package engine

import "errors"

// ErrNoCoordinator is returned by Sync on an engine built without a
// coordinator.
var ErrNoCoordinator = errors.New("no sync endpoint configured")
