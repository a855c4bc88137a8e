package index

// receivedSet remembers paths written by inbound transfers. With limit 0 it
// never forgets; otherwise the oldest entries are evicted first.
type receivedSet struct {
	limit   int
	entries map[string]struct{}
	order   []string
}

func newReceivedSet(limit int) *receivedSet {
	if limit < 0 {
		limit = 0
	}
	return &receivedSet{
		limit:   limit,
		entries: make(map[string]struct{}),
	}
}

func (s *receivedSet) add(p string) {
	if _, ok := s.entries[p]; ok {
		return
	}
	s.entries[p] = struct{}{}
	if s.limit == 0 {
		return
	}

	s.order = append(s.order, p)
	for len(s.order) > s.limit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, oldest)
	}
}

func (s *receivedSet) contains(p string) bool {
	_, ok := s.entries[p]
	return ok
}

func (s *receivedSet) len() int {
	return len(s.entries)
}
