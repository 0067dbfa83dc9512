package platform

// Snapshot is the in-memory view of everything a tenant's account can
// see. It is owned by a single router goroutine and therefore unlocked.
type Snapshot struct {
	Self     User
	Users    []User
	Servers  []Server
	Channels []Channel
	Emojis   []Emoji
}

// NewSnapshot builds a snapshot from a Ready payload.
func NewSnapshot(r *Ready) *Snapshot {
	s := &Snapshot{
		Users:    r.Users,
		Servers:  r.Servers,
		Channels: r.Channels,
		Emojis:   r.Emojis,
	}
	if self, ok := r.SelfUser(); ok {
		s.Self = self
	}
	return s
}

// FindChannel returns the channel with the given id.
func (s *Snapshot) FindChannel(id string) (Channel, bool) {
	for _, c := range s.Channels {
		if c.ID == id {
			return c, true
		}
	}
	return Channel{}, false
}

// FindServer returns the server with the given id.
func (s *Snapshot) FindServer(id string) (Server, bool) {
	for _, sv := range s.Servers {
		if sv.ID == id {
			return sv, true
		}
	}
	return Server{}, false
}

// CategoryFor resolves the category containing a channel within a
// server, if its metadata has arrived.
func (s *Snapshot) CategoryFor(serverID, channelID string) (Category, bool) {
	sv, ok := s.FindServer(serverID)
	if !ok {
		return Category{}, false
	}
	return FindCategoryByChannel(sv.Categories, channelID)
}

// FindCategoryByChannel scans a category list for the one containing
// the channel.
func FindCategoryByChannel(categories []Category, channelID string) (Category, bool) {
	for _, cat := range categories {
		for _, ch := range cat.Channels {
			if ch == channelID {
				return cat, true
			}
		}
	}
	return Category{}, false
}

// AddChannel appends a channel to the snapshot.
func (s *Snapshot) AddChannel(c Channel) {
	s.Channels = append(s.Channels, c)
}

// SetServerCategories replaces category metadata for a server. Returns
// false if the server is unknown.
func (s *Snapshot) SetServerCategories(serverID string, categories []Category) bool {
	for i := range s.Servers {
		if s.Servers[i].ID == serverID {
			s.Servers[i].Categories = categories
			return true
		}
	}
	return false
}

// AddServer merges a ServerCreate payload. Already-known servers are
// ignored.
func (s *Snapshot) AddServer(sc *ServerCreate) bool {
	for _, sv := range s.Servers {
		if sv.ID == sc.ID {
			return false
		}
	}
	s.Servers = append(s.Servers, sc.Server)
	s.Channels = append(s.Channels, sc.Channels...)
	s.Emojis = append(s.Emojis, sc.Emojis...)
	return true
}

// RemoveServer drops a server from the snapshot. Its channels are kept;
// they become unresolvable and message events for them are dropped.
func (s *Snapshot) RemoveServer(serverID string) bool {
	for i, sv := range s.Servers {
		if sv.ID == serverID {
			s.Servers = append(s.Servers[:i], s.Servers[i+1:]...)
			return true
		}
	}
	return false
}
