package discovery

import (
	"context"

	"github.com/plexushq/weave/internal/store"
)

// Relationship types a comparator may emit.
const (
	RelationSimilarDomain = "SIMILAR_DOMAIN"
	RelationSharedTopic   = "SHARED_TOPIC"
	RelationSameLanguage  = "SAME_LANGUAGE"
)

// Candidate is a proposed relationship between two repositories with a
// normalized score in [0,1].
type Candidate struct {
	Type  string
	Score float64
}

// Comparator proposes candidate relationships for a repo pair. Implementations
// may perform blocking I/O and must honour the context deadline; the
// orchestrator retries transient failures and times out slow invocations.
type Comparator interface {
	Compare(ctx context.Context, a, b store.Repo) ([]Candidate, error)
}

// ComparatorFunc adapts a plain function to the Comparator interface.
type ComparatorFunc func(ctx context.Context, a, b store.Repo) ([]Candidate, error)

func (f ComparatorFunc) Compare(ctx context.Context, a, b store.Repo) ([]Candidate, error) {
	return f(ctx, a, b)
}
