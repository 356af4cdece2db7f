// The code in this package provides the buffer between the TAP device and
// the pull-based carrier. The main type is PayloadQueue, which stores
// outbound Ethernet frames in a buffered channel until either the Consumer
// piggybacks one on an Interest or the Producer bundles several into a Data.
package turbotunnel

import "errors"

// The size of the outbound payload queue.
const queueSize = 256

// A queue holding fewer items than this is "small": its items may ride on
// Interests instead of waiting for the peer to pull them.
const defaultSmallThreshold = 8

var errClosedQueue = errors.New("operation on closed queue")
