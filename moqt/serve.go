package moqt

import "context"

// ServeTrack bridges a model-layer TrackConsumer onto a wire-layer
// TrackWriter, following the publisher-side group-streaming policy (spec
// §4.6.3.5): at most two groups are ever in flight for one subscription —
// opening a third cancels the oldest, since it is so far behind it's no
// longer worth finishing.
//
// This is the default way a TrackHandler serves broadcasts held in an
// in-process Origin. A relay that keeps its own bounded catch-up cache
// (spec §E item 4) drives its TrackWriter directly instead of calling this.
func ServeTrack(tw *TrackWriter, track *TrackConsumer) {
	var old, cur *servingGroup

	for {
		group, err := track.NextGroup(tw.Context())
		if err != nil {
			stopServingGroup(old)
			stopServingGroup(cur)
			return
		}

		stopServingGroup(old)
		old = cur
		cur = startServingGroup(tw, group)
	}
}

type servingGroup struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func startServingGroup(tw *TrackWriter, group *GroupConsumer) *servingGroup {
	ctx, cancel := context.WithCancel(tw.Context())
	done := make(chan struct{})
	g := &servingGroup{cancel: cancel, done: done}
	go func() {
		defer close(done)
		serveGroup(ctx, tw, group)
	}()
	return g
}

func stopServingGroup(g *servingGroup) {
	if g == nil {
		return
	}
	g.cancel()
	<-g.done
}

func serveGroup(ctx context.Context, tw *TrackWriter, group *GroupConsumer) {
	gw, err := tw.OpenGroupAt(group.Sequence())
	if err != nil {
		return
	}

	for {
		frame, err := group.NextFrame(ctx)
		if err != nil {
			if EOF(err) {
				gw.Close()
			} else {
				gw.Abort(err)
			}
			return
		}
		payload, err := frame.ReadAll(ctx)
		if err != nil {
			gw.Abort(err)
			return
		}
		if err := gw.WriteFrame(payload); err != nil {
			return
		}
	}
}
