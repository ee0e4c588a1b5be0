package packet

import (
	"fmt"
	"sort"
	"strings"

	"github.com/newtron-network/netverify/pkg/unique"
)

// InjectionResult is one observed outcome of injecting a packet into a
// middlebox: the sorted, deduplicated set of packets received back, plus
// whether the drop detector confirmed an explicit drop.
type InjectionResult struct {
	Received     []*Packet
	ExplicitDrop bool
}

// key builds a structural key from the interned receive set's pointer
// identities: since Packets are themselves hash-consed, two receive sets
// with the same (sorted) pointers are the same InjectionResult by value.
func (r InjectionResult) key() any {
	sorted := append([]*Packet(nil), r.Received...)
	sort.Slice(sorted, func(i, j int) bool { return packetLess(sorted[i], sorted[j]) })
	var b strings.Builder
	for _, p := range sorted {
		b.WriteString(ptrKey(p))
		b.WriteByte(',')
	}
	if r.ExplicitDrop {
		b.WriteString("|drop")
	}
	return b.String()
}

func packetLess(a, b *Packet) bool {
	return ptrKey(a) < ptrKey(b)
}

func ptrKey(p *Packet) string {
	return fmt.Sprintf("%p", p)
}

// InjectionResultStore hash-conses InjectionResult values.
type InjectionResultStore struct {
	interner *unique.Interner[InjectionResult]
}

// NewInjectionResultStore builds an empty interner.
func NewInjectionResultStore() *InjectionResultStore {
	return &InjectionResultStore{interner: unique.New[InjectionResult](func(r InjectionResult) any { return r.key() })}
}

// Intern returns the canonical *InjectionResult for the given receive set.
func (s *InjectionResultStore) Intern(received []*Packet, explicitDrop bool) *InjectionResult {
	sorted := append([]*Packet(nil), received...)
	sort.Slice(sorted, func(i, j int) bool { return packetLess(sorted[i], sorted[j]) })
	uniq := make([]*Packet, 0, len(sorted))
	for _, pk := range sorted {
		if len(uniq) == 0 || uniq[len(uniq)-1] != pk {
			uniq = append(uniq, pk)
		}
	}
	return s.interner.Intern(InjectionResult{Received: uniq, ExplicitDrop: explicitDrop})
}

// InjectionResults is InjectionResults: a sorted, deduplicated vector of
// InjectionResult pointers, also hash-consed.
type InjectionResults struct {
	Results []*InjectionResult
}

func (r InjectionResults) key() any {
	var b strings.Builder
	sorted := append([]*InjectionResult(nil), r.Results...)
	sort.Slice(sorted, func(i, j int) bool { return ptrKeyResult(sorted[i]) < ptrKeyResult(sorted[j]) })
	for _, res := range sorted {
		b.WriteString(ptrKeyResult(res))
		b.WriteByte(';')
	}
	return b.String()
}

func ptrKeyResult(r *InjectionResult) string { return fmt.Sprintf("%p", r) }

// InjectionResultsStore hash-conses InjectionResults vectors.
type InjectionResultsStore struct {
	interner *unique.Interner[InjectionResults]
}

// NewInjectionResultsStore builds an empty interner.
func NewInjectionResultsStore() *InjectionResultsStore {
	return &InjectionResultsStore{interner: unique.New[InjectionResults](func(r InjectionResults) any { return r.key() })}
}

// Intern returns the canonical *InjectionResults for results.
func (s *InjectionResultsStore) Intern(results []*InjectionResult) *InjectionResults {
	sorted := append([]*InjectionResult(nil), results...)
	sort.Slice(sorted, func(i, j int) bool { return ptrKeyResult(sorted[i]) < ptrKeyResult(sorted[j]) })
	uniq := make([]*InjectionResult, 0, len(sorted))
	for _, r := range sorted {
		if len(uniq) == 0 || uniq[len(uniq)-1] != r {
			uniq = append(uniq, r)
		}
	}
	return s.interner.Intern(InjectionResults{Results: uniq})
}
