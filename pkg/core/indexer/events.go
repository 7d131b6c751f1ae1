package indexer

import (
	"cmp"

	"rtindex/pkg/domain"
)

type EventKind int

const (
	KindDomainBoundaryUpdate EventKind = iota + 1
	KindQueryResultReady
)

func (k EventKind) String() string {
	switch k {
	case KindDomainBoundaryUpdate:
		return "domain-boundary-update"
	case KindQueryResultReady:
		return "query-result-ready"
	}
	return "unknown"
}

// Event is published on the Indexer's event channel.
type Event interface {
	Kind() EventKind
}

// DomainBoundaryUpdate reports the current bounds of one tree: when it is
// opened, when its key bounds widen and when it is sealed. A hot tree's time
// domain ends at domain.OpenEnd.
type DomainBoundaryUpdate[K cmp.Ordered] struct {
	TreeID string
	Domain domain.Domain[K]
	Sealed bool
}

func (DomainBoundaryUpdate[K]) Kind() EventKind { return KindDomainBoundaryUpdate }

// QueryResultReady carries the concatenated result of one sub-query.
type QueryResultReady struct {
	QueryID int64
	Tuples  [][]byte
}

func (QueryResultReady) Kind() EventKind { return KindQueryResultReady }
