package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/okdaichi/qumo/moqt"
)

// Optimized timeout for best CPU/latency tradeoff (based on benchmarks)
var NotifyTimeout = 1 * time.Millisecond

var _ moqt.TrackHandler = (*RelayHandler)(nil)

type RelayHandler struct {
	Announcement *moqt.Announcement
	Session      *moqt.Session

	GroupCacheSize int

	FramePool *FramePool

	mu       sync.RWMutex
	relaying map[moqt.TrackName]*trackDistributor
}

func (h *RelayHandler) ServeTrack(tw *moqt.TrackWriter) {
	logger := slog.With(
		"broadcast_path", tw.BroadcastPath,
		"track_name", tw.TrackName,
	)

	logger.Info("Relay track started")

	h.mu.Lock()
	if h.relaying == nil {
		h.relaying = make(map[moqt.TrackName]*trackDistributor)
	}

	tr, ok := h.relaying[tw.TrackName]
	if !ok {
		// Start new track distributor
		tr = h.subscribe(tw.TrackName)
		if tr == nil {
			h.mu.Unlock()
			tw.CloseWithError(moqt.TrackNotFoundErrorCode)
			logger.Info("Track not found, closing track writer")
			return
		}
		h.relaying[tw.TrackName] = tr
	}
	h.mu.Unlock()

	logger.Info("Relaying track")

	tr.egress(tw)
}

func (h *RelayHandler) subscribe(name moqt.TrackName) *trackDistributor {
	if h.Session == nil {
		return nil
	}

	if h.Announcement == nil {
		return nil
	}
	if !h.Announcement.IsActive() {
		return nil
	}

	src, err := h.Session.Subscribe(h.Announcement.BroadcastPath(), name, nil)
	if err != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	track, _ := moqt.Track{Path: h.Announcement.BroadcastPath(), Name: name}.Produce()

	d := &trackDistributor{
		ring:        newGroupRing(h.GroupCacheSize, h.FramePool),
		track:       track,
		subscribers: make(map[chan struct{}]struct{}),
		onClose: func() {
			// Cancel ingestion context
			cancel()

			// Remove from relaying map
			h.mu.Lock()
			delete(h.relaying, name)
			h.mu.Unlock()
		},
	}

	go d.ingest(ctx, src)

	return d
}

// func newTrackDistributor(src *moqt.TrackReader, cacheSize int, onClose func()) *trackDistributor {

// }

type trackDistributor struct {
	// src *moqt.TrackReader

	ring *groupRing

	// track is the in-memory model's authority on "latest" (spec §4.3):
	// ingestGroup feeds every received group through it via CreateGroup,
	// which is what actually decides whether a sequence is stale.
	track *moqt.TrackProducer

	// Broadcast channel pattern: each subscriber gets its own notification channel
	mu          sync.RWMutex
	subscribers map[chan struct{}]struct{}

	onClose func()
}

// servingGroup tracks one group stream currently being written to the
// subscriber, mirroring moqt.ServeTrack's in-flight bookkeeping.
type servingGroup struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func stopServingGroup(g *servingGroup) {
	if g == nil {
		return
	}
	g.cancel()
	<-g.done
}

// egress streams cached groups to tw, enforcing the at-most-2-in-flight
// policy (spec §4.6.3.5): opening a third group stream cancels the oldest
// of the two currently open, since it is so far behind it's no longer
// worth finishing. old/cur is the same two-slot ring moqt.ServeTrack uses
// for the in-memory model; this is the equivalent for the relay's own
// cached-bytes forwarding path.
func (d *trackDistributor) egress(tw *moqt.TrackWriter) {
	twCtx := tw.Context()

	notify := d.subscribe()
	defer d.unsubscribe(notify)

	var old, cur *servingGroup
	defer func() {
		stopServingGroup(old)
		stopServingGroup(cur)
	}()

	last := d.ring.head()
	if last > 0 {
		last--
	}

	for {
		latest := d.ring.head()

		if last < latest {
			last++

			// Check if we've fallen too far behind
			earliest := d.ring.earliestAvailable()
			if last < earliest {
				// Subscriber fell behind - catchup
				last = latest - 1
				continue
			}

			if d.ring.get(last) == nil {
				last--
				continue
			}

			stopServingGroup(old)
			old = cur
			cur = d.startServingGroup(twCtx, tw, last)
			continue
		}

		// Wait for new data with optimized timeout
		select {
		case <-notify:
			// New group available, retry immediately
		case <-time.After(NotifyTimeout):
			// Timeout fallback (1ms for optimal CPU/latency balance)
		case <-twCtx.Done():
			// Client disconnected or relay shutdown
			return
		}
	}
}

// startServingGroup opens seq on tw and streams its frames in the
// background, returning a handle the egress loop can cancel once a third
// group needs to start.
func (d *trackDistributor) startServingGroup(ctx context.Context, tw *moqt.TrackWriter, seq moqt.GroupSequence) *servingGroup {
	gctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.serveGroup(gctx, tw, seq)
	}()
	return &servingGroup{cancel: cancel, done: done}
}

// serveGroup writes seq's frames to tw incrementally as they arrive in the
// cache, returning once the group completes, its writer errors, or ctx is
// cancelled (by the egress loop capping in-flight groups at 2, or by tw
// closing).
func (d *trackDistributor) serveGroup(ctx context.Context, tw *moqt.TrackWriter, seq moqt.GroupSequence) {
	cache := d.ring.get(seq)
	if cache == nil {
		return
	}

	gw, err := tw.OpenGroupAt(cache.seq)
	if err != nil {
		return
	}

	notify := d.subscribe()
	defer d.unsubscribe(notify)

	frameIdx := 0
	for {
		frame := cache.next(frameIdx)
		if frame != nil {
			if err := gw.WriteFrame(frame); err != nil {
				gw.Close()
				return
			}
			frameIdx++
			continue
		}

		// No more frames available right now
		if cache.isComplete() {
			break
		}

		select {
		case <-notify:
			// New frame may be available
		case <-time.After(NotifyTimeout):
			// Poll timeout
		case <-ctx.Done():
			gw.Close()
			return
		}
	}

	gw.Close()
}

func (d *trackDistributor) close() {
	// d.src.Close()
	d.onClose()
}

// subscribe registers a new subscriber and returns its notification channel
func (d *trackDistributor) subscribe() chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	ch := make(chan struct{}, 1) // Buffered to prevent blocking
	d.subscribers[ch] = struct{}{}

	return ch
}

// unsubscribe removes a subscriber
func (d *trackDistributor) unsubscribe(ch chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subscribers, ch)
}

func (d *trackDistributor) ingest(ctx context.Context, src *moqt.TrackReader) {
	defer d.close()

	for {
		gr, err := src.AcceptGroup(ctx)
		if err != nil {
			slog.Debug("ingest stopped", "error", err)
			return
		}
		d.ingestGroup(gr)
	}
}

// ingestGroup decodes one incoming group stream, feeding it into the local
// TrackProducer via CreateGroup: a sequence that is not strictly newer than
// the current latest is silently dropped rather than cached (spec §4.6.4
// step 4, §4.3). An accepted group is also appended into the bounded
// catch-up ring so a subscriber mid-catchup can still read it.
func (d *trackDistributor) ingestGroup(gr *moqt.GroupReader) {
	gw, ok := d.track.CreateGroup(gr.Sequence)
	if !ok {
		slog.Debug("dropping stale group", "sequence", gr.Sequence)
		d.drain(gr)
		return
	}

	entry := d.ring.install(gr.Sequence)

	ctx := context.Background()
	for {
		frame, err := gr.NextFrame(ctx)
		if err != nil {
			break
		}

		buf := d.ring.pool.Get()
		buf = append(buf, frame...)
		entry.append(buf)
		d.notifySubscribers()

		fw, err := gw.CreateFrame(uint64(len(buf)))
		if err != nil {
			continue
		}
		if err := fw.Write(buf); err != nil {
			fw.Abort(err)
			continue
		}
		fw.Finish()
	}
	entry.finish()
	gw.Finish()
	d.notifySubscribers()
}

// drain reads a group stream to completion without caching or modeling it,
// so a stale group's sender isn't left stalled on flow control.
func (d *trackDistributor) drain(gr *moqt.GroupReader) {
	ctx := context.Background()
	for {
		if _, err := gr.NextFrame(ctx); err != nil {
			return
		}
	}
}

// notifySubscribers wakes every egress loop blocked waiting for new data.
func (d *trackDistributor) notifySubscribers() {
	d.mu.RLock()
	for ch := range d.subscribers {
		select {
		case ch <- struct{}{}:
		default:
			// Channel full, subscriber will wake up on timeout
		}
	}
	d.mu.RUnlock()
}
