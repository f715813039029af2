// Package intelligence turns conversation batches into stored memories.
//
// Extractor asks a text-analysis provider for structured memory candidates,
// Merger folds each candidate into the existing memories of its category, and
// Clusterer groups near-duplicate memories for offline consolidation.
package intelligence

import (
	"errors"
	"strings"

	"github.com/oceanbase/memconsolidate-go/pkg/storage"
)

var (
	// ErrParse is returned when an analysis response is not a usable JSON object.
	ErrParse = errors.New("unparseable analysis response")

	// ErrCategoryNotFound is returned when a candidate's category cannot be resolved.
	ErrCategoryNotFound = errors.New("category not found")

	// ErrNoProvider is returned when an Extractor is built without a provider.
	ErrNoProvider = errors.New("analysis provider is required")
)

// Bucket is the ownership group a candidate was extracted into.
type Bucket string

const (
	BucketUser    Bucket = "user"
	BucketPersona Bucket = "persona"
	BucketShared  Bucket = "shared"
)

// Owner maps a bucket to the owner of the stored record. Shared facts are
// stored as user-owned.
func (b Bucket) Owner() storage.Owner {
	if b == BucketPersona {
		return storage.OwnerPersona
	}
	return storage.OwnerUser
}

// Candidate is one extracted fact before it is merged or stored.
type Candidate struct {
	// Category is a dotted path ("gustos.musica") or a flat name ("emociones").
	Category string   `json:"category"`
	Content  string   `json:"content"`
	Tags     []string `json:"tags,omitempty"`

	// Embedding is filled in by the pipeline before merging.
	Embedding []float64 `json:"-"`
}

// Extraction is the result of analysing one batch.
type Extraction struct {
	User    []Candidate `json:"user"`
	Persona []Candidate `json:"persona"`
	Shared  []Candidate `json:"shared"`

	// APICalls counts provider calls made, retries included.
	APICalls int `json:"-"`

	// Fallback is set when the candidates came from the fallback path.
	Fallback bool `json:"-"`
}

// Total returns the number of candidates across all buckets.
func (e *Extraction) Total() int {
	if e == nil {
		return 0
	}
	return len(e.User) + len(e.Persona) + len(e.Shared)
}

// BucketCandidate pairs a candidate with its bucket.
type BucketCandidate struct {
	Bucket    Bucket
	Candidate *Candidate
}

// All returns every candidate in user, persona, shared order. The candidates
// are pointers into the extraction.
func (e *Extraction) All() []BucketCandidate {
	if e == nil {
		return nil
	}
	out := make([]BucketCandidate, 0, e.Total())
	for i := range e.User {
		out = append(out, BucketCandidate{BucketUser, &e.User[i]})
	}
	for i := range e.Persona {
		out = append(out, BucketCandidate{BucketPersona, &e.Persona[i]})
	}
	for i := range e.Shared {
		out = append(out, BucketCandidate{BucketShared, &e.Shared[i]})
	}
	return out
}

// cleanCandidates drops empty contents and trims and de-duplicates tags.
func cleanCandidates(in []Candidate) []Candidate {
	out := make([]Candidate, 0, len(in))
	for _, c := range in {
		c.Content = strings.TrimSpace(c.Content)
		if c.Content == "" {
			continue
		}
		c.Category = strings.TrimSpace(c.Category)
		c.Tags = cleanTags(c.Tags)
		out = append(out, c)
	}
	return out
}

func cleanTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
