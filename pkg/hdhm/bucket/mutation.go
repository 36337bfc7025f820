package bucket

import "bytes"

type mutationNode struct {
	key      []byte
	keyHash  uint32
	value    int64
	oldValue int64
	next     *mutationNode
}

// Mutation collects the pending writes for one bucket index during a write
// session. Writing a key twice keeps only the last write.
type Mutation struct {
	head *mutationNode
	tail *mutationNode
	size int
}

// NewMutation returns a mutation holding a single write.
func NewMutation(key []byte, keyHash uint32, value int64) *Mutation {
	m := &Mutation{}
	m.Put(key, keyHash, value)
	return m
}

// Put records an unconditional write.
func (m *Mutation) Put(key []byte, keyHash uint32, value int64) {
	m.PutIfEqual(key, keyHash, Tombstone, value)
}

// PutIfEqual records a write applied at flush only if the stored value equals
// oldValue. A Tombstone oldValue makes the write unconditional.
func (m *Mutation) PutIfEqual(key []byte, keyHash uint32, oldValue, value int64) {
	for n := m.head; n != nil; n = n.next {
		if n.keyHash == keyHash && bytes.Equal(n.key, key) {
			n.oldValue = oldValue
			n.value = value
			return
		}
	}
	n := &mutationNode{key: key, keyHash: keyHash, value: value, oldValue: oldValue}
	if m.tail == nil {
		m.head = n
	} else {
		m.tail.next = n
	}
	m.tail = n
	m.size++
}

// ForEachKeyValue visits writes in first-insertion order.
func (m *Mutation) ForEachKeyValue(fn func(key []byte, keyHash uint32, oldValue, value int64)) {
	for n := m.head; n != nil; n = n.next {
		fn(n.key, n.keyHash, n.oldValue, n.value)
	}
}

// Size returns the number of distinct keys.
func (m *Mutation) Size() int { return m.size }

// Apply replays m on the bucket and reports how many entries changed.
func (b *Bucket[K]) Apply(m *Mutation) int {
	changed := 0
	m.ForEachKeyValue(func(key []byte, keyHash uint32, oldValue, value int64) {
		if b.PutValueIfEqual(keyHash, key, oldValue, value) {
			changed++
		}
	})
	return changed
}
