package moqt

// StreamPriority computes the QUIC send-stream priority for a group's data
// stream from the track's priority and the group's sequence number (spec
// §6.3). Lower values are scheduled first. Track priority dominates; within
// a track, newer groups (higher sequence) sort before older ones so a
// congested link sheds stale groups first.
func StreamPriority(trackPriority int8, groupSequence uint64) int64 {
	return (int64(trackPriority) << 24) | (0xFFFFFF - int64(groupSequence&0xFFFFFF))
}
