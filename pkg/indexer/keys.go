package indexer

import (
	"sort"
)

// FetchType records how a string's id was obtained. It is reported back to
// consumers in the mapping meta of every indexed message.
type FetchType string

const (
	FetchCacheHit    FetchType = "c"
	FetchHardcoded   FetchType = "h"
	FetchDBRead      FetchType = "d"
	FetchFirstSeen   FetchType = "f"
	FetchRateLimited FetchType = "r"
)

// KeyCollection is the set of strings to resolve, grouped by org.
type KeyCollection struct {
	mapping map[int64]map[string]struct{}
	size    int
}

func NewKeyCollection() *KeyCollection {
	return &KeyCollection{mapping: make(map[int64]map[string]struct{})}
}

// Add adds s for orgID. Duplicates are ignored.
func (k *KeyCollection) Add(orgID int64, s string) {
	strs, ok := k.mapping[orgID]
	if !ok {
		strs = make(map[string]struct{})
		k.mapping[orgID] = strs
	}
	if _, ok := strs[s]; ok {
		return
	}
	strs[s] = struct{}{}
	k.size++
}

// Size is the number of distinct (org, string) pairs.
func (k *KeyCollection) Size() int {
	return k.size
}

// Orgs returns the orgs in ascending order.
func (k *KeyCollection) Orgs() []int64 {
	orgs := make([]int64, 0, len(k.mapping))
	for org := range k.mapping {
		orgs = append(orgs, org)
	}
	sort.Slice(orgs, func(i, j int) bool { return orgs[i] < orgs[j] })
	return orgs
}

// Strings returns the strings of orgID in ascending order.
func (k *KeyCollection) Strings(orgID int64) []string {
	strs := make([]string, 0, len(k.mapping[orgID]))
	for s := range k.mapping[orgID] {
		strs = append(strs, s)
	}
	sort.Strings(strs)
	return strs
}

// Each calls fn for every pair, orgs and strings in ascending order.
func (k *KeyCollection) Each(fn func(orgID int64, s string)) {
	for _, org := range k.Orgs() {
		for _, s := range k.Strings(org) {
			fn(org, s)
		}
	}
}

// KeyResults holds resolved ids and how each was fetched. Strings the store
// declined to index have a FetchRateLimited entry and no id.
type KeyResults struct {
	ids  map[int64]map[string]int64
	meta map[int64]map[string]FetchType
}

func NewKeyResults() *KeyResults {
	return &KeyResults{
		ids:  make(map[int64]map[string]int64),
		meta: make(map[int64]map[string]FetchType),
	}
}

// Add records the id of s for orgID.
func (r *KeyResults) Add(orgID int64, s string, id int64, fetchType FetchType) {
	if _, ok := r.ids[orgID]; !ok {
		r.ids[orgID] = make(map[string]int64)
	}
	r.ids[orgID][s] = id
	r.setMeta(orgID, s, fetchType)
}

// Reject records that s was not indexed for orgID.
func (r *KeyResults) Reject(orgID int64, s string) {
	r.setMeta(orgID, s, FetchRateLimited)
}

func (r *KeyResults) setMeta(orgID int64, s string, fetchType FetchType) {
	if _, ok := r.meta[orgID]; !ok {
		r.meta[orgID] = make(map[string]FetchType)
	}
	r.meta[orgID][s] = fetchType
}

// Get returns the id of s for orgID.
func (r *KeyResults) Get(orgID int64, s string) (int64, bool) {
	id, ok := r.ids[orgID][s]
	return id, ok
}

// FetchType returns how s was resolved for orgID.
func (r *KeyResults) FetchType(orgID int64, s string) (FetchType, bool) {
	ft, ok := r.meta[orgID][s]
	return ft, ok
}

// Len is the number of pairs with an entry, rejected ones included.
func (r *KeyResults) Len() int {
	n := 0
	for _, strs := range r.meta {
		n += len(strs)
	}
	return n
}

// Merge copies every entry of other into r.
func (r *KeyResults) Merge(other *KeyResults) {
	if other == nil {
		return
	}
	for org, strs := range other.meta {
		for s, ft := range strs {
			if id, ok := other.ids[org][s]; ok {
				r.Add(org, s, id, ft)
			} else {
				r.Reject(org, s)
			}
		}
	}
}

// Missing returns the keys of k that have no entry in r.
func (r *KeyResults) Missing(k *KeyCollection) *KeyCollection {
	missing := NewKeyCollection()
	k.Each(func(org int64, s string) {
		if _, ok := r.meta[org][s]; !ok {
			missing.Add(org, s)
		}
	})
	return missing
}

// Subset returns the resolved entries of r whose keys are in k.
func (r *KeyResults) Subset(k *KeyCollection) *KeyResults {
	out := NewKeyResults()
	k.Each(func(org int64, s string) {
		if id, ok := r.ids[org][s]; ok {
			out.Add(org, s, id, r.meta[org][s])
		}
	})
	return out
}

// Each calls fn for every resolved pair.
func (r *KeyResults) Each(fn func(orgID int64, s string, id int64, fetchType FetchType)) {
	for org, strs := range r.ids {
		for s, id := range strs {
			fn(org, s, id, r.meta[org][s])
		}
	}
}

// MappingMeta groups the given strings of orgID by fetch type, keyed by id,
// as reported on indexed messages. Strings without an id are left out.
func (r *KeyResults) MappingMeta(orgID int64, strs []string) map[FetchType]map[int64]string {
	meta := make(map[FetchType]map[int64]string)
	for _, s := range strs {
		id, ok := r.ids[orgID][s]
		if !ok {
			continue
		}
		ft := r.meta[orgID][s]
		if _, ok := meta[ft]; !ok {
			meta[ft] = make(map[int64]string)
		}
		meta[ft][id] = s
	}
	return meta
}
