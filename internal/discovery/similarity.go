package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/blevesearch/bleve"

	"github.com/plexushq/weave/internal/store"
)

// TextComparator is the default Comparator. It proposes:
//   - SHARED_TOPIC from the Jaccard overlap of the repos' topic sets,
//   - SAME_LANGUAGE when both repos declare the same primary language,
//   - SIMILAR_DOMAIN from a bleve full-text match of one repo's name and
//     description against the other's.
type TextComparator struct {
	languageScore float64
}

// NewTextComparator constructs the default comparator.
func NewTextComparator() *TextComparator {
	return &TextComparator{languageScore: 0.6}
}

// Compare implements Comparator.
func (c *TextComparator) Compare(ctx context.Context, a, b store.Repo) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []Candidate

	if score := topicOverlap(a.Topics, b.Topics); score > 0 {
		out = append(out, Candidate{Type: RelationSharedTopic, Score: score})
	}

	if a.PrimaryLanguage != "" && strings.EqualFold(a.PrimaryLanguage, b.PrimaryLanguage) {
		out = append(out, Candidate{Type: RelationSameLanguage, Score: c.languageScore})
	}

	score, err := textMatchScore(a, b)
	if err != nil {
		return nil, err
	}
	if score > 0 {
		out = append(out, Candidate{Type: RelationSimilarDomain, Score: score})
	}
	return out, nil
}

// topicOverlap returns the Jaccard similarity of two topic sets.
func topicOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[strings.ToLower(t)] = struct{}{}
	}
	union := len(set)
	inter := 0
	seen := make(map[string]struct{}, len(b))
	for _, t := range b {
		key := strings.ToLower(t)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, ok := set[key]; ok {
			inter++
		} else {
			union++
		}
	}
	if inter == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// textMatchScore indexes repo b in a transient in-memory bleve index and
// queries it with repo a's text. The raw bleve score is squashed into [0,1).
func textMatchScore(a, b store.Repo) (float64, error) {
	queryText := repoText(a)
	docText := repoText(b)
	if queryText == "" || docText == "" {
		return 0, nil
	}

	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return 0, fmt.Errorf("bleve index: %w", err)
	}
	defer func() { _ = idx.Close() }()

	if err := idx.Index(b.ID, map[string]interface{}{"text": docText}); err != nil {
		return 0, fmt.Errorf("bleve index doc: %w", err)
	}

	req := bleve.NewSearchRequest(bleve.NewMatchQuery(queryText))
	res, err := idx.Search(req)
	if err != nil {
		return 0, fmt.Errorf("bleve search: %w", err)
	}
	if len(res.Hits) == 0 {
		return 0, nil
	}
	raw := res.Hits[0].Score
	return raw / (raw + 1), nil
}

func repoText(r store.Repo) string {
	return strings.TrimSpace(strings.Join([]string{r.Name, r.Description}, " "))
}
