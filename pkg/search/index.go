// Package search maintains a serializable in-memory full-text index
// over active goal snapshots. The projection processor owns one index
// per store, persists it encrypted after each fold, and rebuilds it
// from snapshots on cold start when no persisted copy exists.
package search

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// Document is one indexed goal summary.
type Document struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Notes    string `json:"notes,omitempty"`
	Category string `json:"category,omitempty"`
}

// Index is an inverted index from folded tokens to document ids.
type Index struct {
	mu sync.RWMutex

	// docs holds the source documents, the serialized form.
	docs map[string]Document

	// postings maps token -> set of doc ids; rebuilt from docs on load.
	postings map[string]map[string]struct{}
}

// New creates an empty index.
func New() *Index {
	return &Index{
		docs:     make(map[string]Document),
		postings: make(map[string]map[string]struct{}),
	}
}

// Put adds or replaces the document for an id. Any previously stored
// document for the same id is removed first.
func (i *Index) Put(doc Document) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.removeLocked(doc.ID)
	i.docs[doc.ID] = doc
	for _, token := range Tokenize(doc.Title + " " + doc.Notes + " " + doc.Category) {
		set := i.postings[token]
		if set == nil {
			set = make(map[string]struct{})
			i.postings[token] = set
		}
		set[doc.ID] = struct{}{}
	}
}

// Remove deletes a document from the index. Unknown ids are a no-op.
func (i *Index) Remove(id string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.removeLocked(id)
}

func (i *Index) removeLocked(id string) {
	if _, ok := i.docs[id]; !ok {
		return
	}
	delete(i.docs, id)
	for token, set := range i.postings {
		delete(set, id)
		if len(set) == 0 {
			delete(i.postings, token)
		}
	}
}

// Search returns the ids of documents matching every term of the query,
// sorted for determinism. A query term matches a document when any of
// the document's tokens has the folded term as prefix. An empty query
// matches nothing; callers treat it as "no text constraint" themselves.
func (i *Index) Search(query string) []string {
	terms := Tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	var result map[string]struct{}
	for _, term := range terms {
		matched := make(map[string]struct{})
		for token, set := range i.postings {
			if strings.HasPrefix(token, term) {
				for id := range set {
					matched[id] = struct{}{}
				}
			}
		}
		if result == nil {
			result = matched
		} else {
			for id := range result {
				if _, ok := matched[id]; !ok {
					delete(result, id)
				}
			}
		}
		if len(result) == 0 {
			return nil
		}
	}

	ids := make([]string, 0, len(result))
	for id := range result {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of indexed documents.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.docs)
}

// Serialize returns the index as JSON (documents only; postings are
// rebuilt on load).
func (i *Index) Serialize() ([]byte, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	docs := make([]Document, 0, len(i.docs))
	for _, doc := range i.docs {
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(a, b int) bool { return docs[a].ID < docs[b].ID })
	return json.Marshal(docs)
}

// Deserialize restores an index serialized by Serialize.
func Deserialize(data []byte) (*Index, error) {
	var docs []Document
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal search index: %w", err)
	}
	idx := New()
	for _, doc := range docs {
		idx.Put(doc)
	}
	return idx, nil
}

// Tokenize splits text into normalized, case-folded tokens. NFKC
// normalization keeps composed and compatibility forms comparable.
func Tokenize(text string) []string {
	folded := folder.String(norm.NFKC.String(text))
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
