// Package argument implements content-addressed storage and identification
// of task argument byte-buffers.
//
// Two buffers that compare byte-equal are assigned the same ID, which is
// what lets the task manager recognize that the output of one task is the
// input of another: the wrapper packs the same pointer value into both
// calls, and that value's bytes are identical.
package argument

// ID identifies a registered argument buffer. IDs are assigned in
// increasing order starting from 1; 0 is never a valid ID.
type ID uint64

// Table is a content-addressed store of argument buffers. It is not safe
// for concurrent use; callers serialize access (the composer runtime does
// so via its single top-level mutex).
type Table struct {
	index   map[string]ID
	buffers map[ID][]byte
	nextID  ID
}

// NewTable returns an empty Table whose first assigned ID is 1.
func NewTable() *Table {
	return &Table{
		index:   make(map[string]ID),
		buffers: make(map[ID][]byte),
		nextID:  1,
	}
}

// Intern returns the ID for buf, assigning a fresh one if no previously
// registered buffer is byte-equal to it. The table takes its own copy of
// buf; callers may reuse or free the original afterward.
func (t *Table) Intern(buf []byte) ID {
	key := string(buf)
	if id, ok := t.index[key]; ok {
		return id
	}
	id := t.allocID()
	t.bind(id, key)
	return id
}

// NewID reserves a fresh ID without binding it to any buffer yet. Used for
// futures, whose ID must exist before their 8-byte representation is known.
func (t *Table) NewID() ID { return t.allocID() }

// Bind associates id (previously reserved via NewID) with buf, and makes it
// discoverable by future Intern calls with byte-equal content.
func (t *Table) Bind(id ID, buf []byte) { t.bind(id, string(buf)) }

func (t *Table) bind(id ID, key string) {
	cp := make([]byte, len(key))
	copy(cp, key)
	t.buffers[id] = cp
	t.index[key] = id
}

func (t *Table) allocID() ID {
	id := t.nextID
	t.nextID++
	return id
}

// Get returns the stored buffer for id, or nil if id is unknown.
func (t *Table) Get(id ID) []byte { return t.buffers[id] }

// Len returns the number of distinct argument buffers currently stored.
func (t *Table) Len() int { return len(t.buffers) }

// Reset clears every stored buffer and the dedup index, but does not reset
// the ID counter: the next Intern/NewID call after Reset returns an ID one
// greater than the highest ever issued. Buffers from a finished graph are
// discarded, but IDs are never reused, so a stale ID lingering in an
// unrelated structure can never accidentally alias a new argument.
func (t *Table) Reset() {
	t.index = make(map[string]ID)
	t.buffers = make(map[ID][]byte)
}
