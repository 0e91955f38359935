// SPDX-License-Identifier: MIT

package whitelist

import "context"

// InfoEntry is one record in the diagnostic whitelist dump.
type InfoEntry struct {
	Key          string `json:"key"`
	Record       Record `json:"record"`
	RemainingTTL int64  `json:"remaining_ttl"`
}

// Info dumps current whitelist and static-whitelist records with TTLs,
// for the monitoring surface. Bounded scan; secrets never appear in
// records so the dump is safe to expose on the admin API.
func (s *Store) Info(ctx context.Context) (map[string][]InfoEntry, error) {
	out := map[string][]InfoEntry{}
	for label, pattern := range map[string]string{
		"path_whitelist":   "ip_cidr_access:*",
		"static_whitelist": "static_file_access:*",
	} {
		keys, err := s.kv.Scan(ctx, pattern, scanBound)
		if err != nil {
			return nil, err
		}
		entries := make([]InfoEntry, 0, len(keys))
		for _, key := range keys {
			var rec Record
			found, err := s.kv.GetJSON(ctx, key, &rec)
			if err != nil || !found {
				continue
			}
			ttl, _ := s.kv.TTL(ctx, key)
			entries = append(entries, InfoEntry{Key: key, Record: rec, RemainingTTL: int64(ttl.Seconds())})
		}
		out[label] = entries
	}
	return out, nil
}
