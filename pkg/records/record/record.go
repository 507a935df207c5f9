// Package record holds the administrative record type and the keyset index
// drivers keep it in.
package record

import (
	"sort"
	"strings"
	"time"
)

// Record is one row of an administrative collection. ID is a ULID, so
// sorting by ID sorts by creation time and the ID doubles as a page cursor.
type Record struct {
	ID         string            `json:"id"`
	Collection string            `json:"collection"`
	Title      string            `json:"title"`
	Fields     map[string]string `json:"fields,omitempty"`
	Created    time.Time         `json:"created"`
	Updated    time.Time         `json:"updated"`
}

// Key is the identity used by pagers.
func (r *Record) Key() string { return r.ID }

// Matches reports whether filter appears in the title or any field value,
// ignoring case. An empty filter matches everything.
func (r *Record) Matches(filter string) bool {
	if filter == "" {
		return true
	}
	filter = strings.ToLower(filter)
	if strings.Contains(strings.ToLower(r.Title), filter) {
		return true
	}
	for _, v := range r.Fields {
		if strings.Contains(strings.ToLower(v), filter) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers never share field maps with a store.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Fields != nil {
		c.Fields = make(map[string]string, len(r.Fields))
		for k, v := range r.Fields {
			c.Fields[k] = v
		}
	}
	return &c
}

// Query selects records with ID greater than After that match Filter, at
// most Limit of them.
type Query struct {
	After  string
	Limit  int
	Filter string
}

type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

// Change is published after every mutation.
type Change struct {
	Op     Op      `json:"op"`
	Record *Record `json:"record"`
}

// Topic is the broker topic changes to collection are published on.
func Topic(collection string) string {
	return "records." + collection
}

// Index keeps records sorted by ID.
type Index struct {
	items []*Record
}

func (idx *Index) search(id string) (int, bool) {
	i := sort.Search(len(idx.items), func(i int) bool { return idx.items[i].ID >= id })
	return i, i < len(idx.items) && idx.items[i].ID == id
}

func (idx *Index) Len() int { return len(idx.items) }

func (idx *Index) Get(id string) (*Record, bool) {
	i, ok := idx.search(id)
	if !ok {
		return nil, false
	}
	return idx.items[i].Clone(), true
}

// Put inserts r or replaces the record with the same ID, keeping the
// original Created time.
func (idx *Index) Put(r *Record) {
	r = r.Clone()
	i, ok := idx.search(r.ID)
	if ok {
		r.Created = idx.items[i].Created
		idx.items[i] = r
		return
	}
	if r.Created.IsZero() {
		r.Created = r.Updated
	}
	idx.items = append(idx.items, nil)
	copy(idx.items[i+1:], idx.items[i:])
	idx.items[i] = r
}

func (idx *Index) Delete(id string) (*Record, bool) {
	i, ok := idx.search(id)
	if !ok {
		return nil, false
	}
	r := idx.items[i]
	idx.items = append(idx.items[:i], idx.items[i+1:]...)
	return r, true
}

// List walks forward from q.After and collects up to q.Limit matches.
func (idx *Index) List(q Query) []*Record {
	i := 0
	if q.After != "" {
		i = sort.Search(len(idx.items), func(i int) bool { return idx.items[i].ID > q.After })
	}

	var lis []*Record
	for ; i < len(idx.items); i++ {
		if q.Limit > 0 && len(lis) >= q.Limit {
			break
		}
		if idx.items[i].Matches(q.Filter) {
			lis = append(lis, idx.items[i].Clone())
		}
	}
	return lis
}

// Apply replays a change, as read back from a change log.
func (idx *Index) Apply(c Change) {
	if c.Record == nil {
		return
	}
	switch c.Op {
	case OpPut:
		idx.Put(c.Record)
	case OpDelete:
		idx.Delete(c.Record.ID)
	}
}
