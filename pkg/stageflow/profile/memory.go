package profile

import "sync"

// DefaultMemoryLimit is the number of samples a MemoryStore keeps per gauge.
const DefaultMemoryLimit = 10000

// MemoryStore keeps samples in memory, bounded per gauge.
// Suitable for tests and for runtimes that only expose live diagnostics.
type MemoryStore struct {
	mu      sync.RWMutex
	samples map[string]*sampleRing
	limit   int
	closed  bool
}

// NewMemoryStore creates a store keeping up to limit samples per gauge.
// limit <= 0 uses DefaultMemoryLimit.
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return &MemoryStore{
		samples: make(map[string]*sampleRing),
		limit:   limit,
	}
}

// Append implements Store.
func (s *MemoryStore) Append(samples []Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	for _, sample := range samples {
		r, ok := s.samples[sample.Name]
		if !ok {
			r = &sampleRing{}
			s.samples[sample.Name] = r
		}
		r.push(sample, s.limit)
	}
	return nil
}

// Query implements Store.
func (s *MemoryStore) Query(name string, limit int) ([]Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	r, ok := s.samples[name]
	if !ok {
		return []Sample{}, nil
	}
	return r.latest(limit), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.samples = nil
	return nil
}

// sampleRing holds the newest samples of one gauge. It grows until it
// reaches the store limit, then overwrites the oldest entry.
type sampleRing struct {
	buf  []Sample
	next int
}

func (r *sampleRing) push(sample Sample, limit int) {
	if len(r.buf) < limit {
		r.buf = append(r.buf, sample)
		return
	}
	r.buf[r.next] = sample
	r.next = (r.next + 1) % len(r.buf)
}

// latest copies out up to limit of the newest samples, oldest first.
// limit <= 0 returns all of them.
func (r *sampleRing) latest(limit int) []Sample {
	n := len(r.buf)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Sample, limit)
	start := r.next + n - limit
	for i := range out {
		out[i] = r.buf[(start+i)%n]
	}
	return out
}
