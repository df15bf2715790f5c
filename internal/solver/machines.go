package solver

import "sort"

// MachineOrder expands host occupancy into one slot per dispatchable job.
//
// Hosts are sorted by free cores (descending, ties by name); hosts named in
// priority come first. Each host contributes free-1 slots so one core per
// host stays unused.
func MachineOrder(hosts []Occupancy, priority []string) []string {
	sorted := append([]Occupancy(nil), hosts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Free() != sorted[j].Free() {
			return sorted[i].Free() > sorted[j].Free()
		}
		return sorted[i].Host < sorted[j].Host
	})

	preferred := make(map[string]bool, len(priority))
	for _, h := range priority {
		preferred[h] = true
	}

	var first, rest []string
	for _, h := range sorted {
		for n := 0; n < h.Free()-1; n++ {
			if preferred[h.Host] {
				first = append(first, h.Host)
			} else {
				rest = append(rest, h.Host)
			}
		}
	}
	return append(first, rest...)
}
