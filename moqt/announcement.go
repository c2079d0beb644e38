package moqt

// Announcement is one entry from a peer's announce stream: a broadcast path
// is either Active (being published) or Ended (spec §4.6.1, §6.1). It is the
// wire-visible counterpart of an Origin's internal message.Announce event.
type Announcement struct {
	path   BroadcastPath
	active bool
}

// NewAnnouncement builds an Active or Ended announcement for path.
func NewAnnouncement(path BroadcastPath, active bool) *Announcement {
	return &Announcement{path: path, active: active}
}

func (a *Announcement) BroadcastPath() BroadcastPath { return a.path }
func (a *Announcement) IsActive() bool               { return a.active }
