package crdt

type contentKind uint8

const (
	kindValue contentKind = iota
	kindMap
	kindArray
)

// parentRef addresses a container: either a named root or a nested type created by an item.
type parentRef struct {
	root   string
	id     ID
	nested bool
}

func rootRef(name string) parentRef {
	return parentRef{root: name}
}

func nestedRef(id ID) parentRef {
	return parentRef{id: id, nested: true}
}

// item is the unit of replication. Map entries carry a key; array elements carry the
// id of their left neighbour at insertion time.
type item struct {
	id      ID
	lamport uint64
	parent  parentRef
	key     string
	origin  *ID
	kind    contentKind
	value   []byte
	deleted bool
}

// wins reports whether candidate supersedes current for the same map key.
func wins(candidate, current *item) bool {
	if candidate.lamport != current.lamport {
		return candidate.lamport > current.lamport
	}
	return candidate.id.Client > current.id.Client
}

func (it *item) clone() *item {
	copied := *it
	if it.origin != nil {
		origin := *it.origin
		copied.origin = &origin
	}
	copied.value = append([]byte(nil), it.value...)
	return &copied
}

// update is the decoded form of an encoded update.
type update struct {
	items   []*item
	deletes []ID
}

func (u *update) empty() bool {
	return len(u.items) == 0 && len(u.deletes) == 0
}
