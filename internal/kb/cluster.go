package kb

import "sort"

// ClusterOptions bounds the greedy clustering.
type ClusterOptions struct {
	TargetSize  int // preferred members per cluster (0 = 12)
	MaxClusters int // cap on cluster count (0 = 20)
}

// Cluster partitions entries into roughly balanced groups of similar notes.
//
// The cluster count is ceil(n/TargetSize) capped at MaxClusters, which fixes
// the per-cluster size. Each unassigned embedded entry, in input order,
// seeds a cluster and pulls in its most similar unassigned peers until the
// size is reached. Entries without an embedding join the first cluster, or
// form one cluster together when nothing was embedded. The partition is
// approximate, not optimal.
func Cluster(entries []Entry, opts ClusterOptions) [][]Entry {
	n := len(entries)
	if n == 0 {
		return nil
	}
	target := opts.TargetSize
	if target <= 0 {
		target = 12
	}
	maxClusters := opts.MaxClusters
	if maxClusters <= 0 {
		maxClusters = 20
	}

	k := (n + target - 1) / target
	if k > maxClusters {
		k = maxClusters
	}
	size := (n + k - 1) / k

	var embedded, bare []int
	for i, e := range entries {
		if len(e.Embedding) > 0 {
			embedded = append(embedded, i)
		} else {
			bare = append(bare, i)
		}
	}

	assigned := make(map[int]bool, len(embedded))
	var clusters [][]Entry
	for _, seed := range embedded {
		if assigned[seed] {
			continue
		}
		assigned[seed] = true
		cluster := []Entry{entries[seed]}

		type peer struct {
			idx   int
			score float64
		}
		var peers []peer
		for _, j := range embedded {
			if assigned[j] {
				continue
			}
			peers = append(peers, peer{idx: j, score: CosineSimilarity(entries[seed].Embedding, entries[j].Embedding)})
		}
		sort.SliceStable(peers, func(a, b int) bool {
			return peers[a].score > peers[b].score
		})
		for _, p := range peers {
			if len(cluster) >= size {
				break
			}
			assigned[p.idx] = true
			cluster = append(cluster, entries[p.idx])
		}
		clusters = append(clusters, cluster)
	}

	if len(bare) > 0 {
		rest := make([]Entry, len(bare))
		for i, idx := range bare {
			rest[i] = entries[idx]
		}
		if len(clusters) == 0 {
			clusters = append(clusters, rest)
		} else {
			clusters[0] = append(clusters[0], rest...)
		}
	}
	return clusters
}
