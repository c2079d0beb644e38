package moqt

import "time"

// BroadcastPath identifies a broadcast within an Origin's directory (spec
// §4.5). Paths are slash-separated and prefix-matchable, e.g.
// "internal/origins/relay-1" or "live/camera-1".
type BroadcastPath string

// TrackName identifies a track within a broadcast.
type TrackName string

// GroupSequence numbers a Group within its track, monotonically and without
// gaps from the publisher's perspective (spec §3, §4.2).
type GroupSequence uint64

// DefaultTrackRequestTimeout bounds how long a subscribe for a track that a
// broadcast hasn't published yet waits for the publisher to fulfil it before
// the subscriber sees ErrNotFound (Open Question OQ1). The Rust original
// leaves this unbounded: a subscribe for a track that never arrives blocks
// forever. We bound it so a relay can't accumulate subscribers parked on a
// track that will never be created.
const DefaultTrackRequestTimeout = 10 * time.Second
