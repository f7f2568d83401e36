package link

// MaxScanResults bounds how many distinct entries a single scan can yield.
// It matches the scan table size of the radio firmware.
const MaxScanResults = 64

// strongest is an insertion-ordered map from identity to the strongest
// record seen for it. New identities are dropped once limit is reached.
type strongest[K comparable, T any] struct {
	limit  int
	order  []K
	best   map[K]T
	signal func(T) int16
}

func newStrongest[K comparable, T any](limit int, signal func(T) int16) *strongest[K, T] {
	return &strongest[K, T]{
		limit:  limit,
		best:   make(map[K]T),
		signal: signal,
	}
}

func (s *strongest[K, T]) add(key K, v T) {
	cur, ok := s.best[key]
	if !ok {
		if len(s.order) >= s.limit {
			return
		}
		s.order = append(s.order, key)
		s.best[key] = v
		return
	}
	if s.signal(v) > s.signal(cur) {
		s.best[key] = v
	}
}

func (s *strongest[K, T]) list() []T {
	out := make([]T, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.best[k])
	}
	return out
}

// dedupCandidates keeps the strongest record per peer among entries
// broadcasting ssid.
func dedupCandidates(entries []ScanEntry, ssid string) []Candidate {
	set := newStrongest[PeerID](MaxScanResults, func(c Candidate) int16 { return c.Signal })
	for _, e := range entries {
		if e.SSID != ssid || e.Peer == "" {
			continue
		}
		set.add(e.Peer, Candidate{Peer: e.Peer, SSID: e.SSID, Signal: e.Signal})
	}
	return set.list()
}

// dedupNetworks keeps the strongest record per network name. Hidden
// networks are skipped.
func dedupNetworks(entries []ScanEntry) []Network {
	set := newStrongest[string](MaxScanResults, func(n Network) int16 { return n.Signal })
	for _, e := range entries {
		if e.SSID == "" {
			continue
		}
		set.add(e.SSID, Network{SSID: e.SSID, Signal: e.Signal, Security: e.Security})
	}
	return set.list()
}
