package taskqueue

import "sync"

// tagIndex maps a tag to the ids of the live tasks carrying it.
type tagIndex struct {
	mu   sync.Mutex
	tags map[string]map[string]struct{}
}

func newTagIndex() *tagIndex {
	return &tagIndex{tags: make(map[string]map[string]struct{})}
}

func (x *tagIndex) add(id string, tags []string) {
	if len(tags) == 0 {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, tag := range tags {
		ids, ok := x.tags[tag]
		if !ok {
			ids = make(map[string]struct{})
			x.tags[tag] = ids
		}
		ids[id] = struct{}{}
	}
}

func (x *tagIndex) remove(id string, tags []string) {
	if len(tags) == 0 {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, tag := range tags {
		ids := x.tags[tag]
		delete(ids, id)
		if len(ids) == 0 {
			delete(x.tags, tag)
		}
	}
}

func (x *tagIndex) lookup(tag string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	ids := x.tags[tag]
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	return out
}

func (x *tagIndex) len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.tags)
}
