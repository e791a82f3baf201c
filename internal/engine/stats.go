package engine

// Stats are frequency counts over the in-memory index, keyed by the raw
// stored values.
type Stats struct {
	Total      int            `json:"total_logs"`
	ByLevel    map[string]int `json:"by_level"`
	ByService  map[string]int `json:"by_service"`
	ByPriority map[string]int `json:"by_priority"`
}

// GetStats counts the indexed records in a single pass.
func (s *Store) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Total:      len(s.logs),
		ByLevel:    make(map[string]int),
		ByService:  make(map[string]int),
		ByPriority: make(map[string]int),
	}

	for _, rec := range s.logs {
		stats.ByLevel[rec.Level]++
		stats.ByService[rec.Service]++
		stats.ByPriority[string(rec.Priority)]++
	}
	return stats
}
