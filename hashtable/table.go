package hashtable

// DefaultCapacity is the slot count used by ring members for their local shard.
const DefaultCapacity = 353

// slot is a single position in the table.
// A slot is empty when neither used nor tombstone is set.
type slot[V any] struct {
	key       string
	value     V
	used      bool
	tombstone bool
}

// Table is a fixed-capacity open-addressing hash table using linear probing.
// It never resizes; removed entries leave tombstones so probe chains stay intact.
// A Table is not safe for concurrent use.
type Table[V any] struct {
	slots []slot[V]
	count int
	tombs int
}

// Stats reports slot usage.
type Stats struct {
	Capacity   int
	Entries    int
	Tombstones int
}

// New creates an empty table with the given number of slots.
// A capacity below 1 is raised to 1.
func New[V any](capacity int) *Table[V] {
	if capacity < 1 {
		capacity = 1
	}
	return &Table[V]{
		slots: make([]slot[V], capacity),
	}
}

// Sum returns the sum of the key's byte values reduced by modulus.
func Sum(key string, modulus int) int {
	if modulus <= 0 {
		return 0
	}

	var sum int
	for i := 0; i < len(key); i++ {
		sum += int(key[i])
	}
	return sum % modulus
}

// Capacity returns the fixed number of slots.
func (t *Table[V]) Capacity() int {
	return len(t.slots)
}

// Hash returns the probe seed for key.
func (t *Table[V]) Hash(key string) int {
	return Sum(key, len(t.slots))
}

// Insert stores value under key.
// It returns false when every slot is occupied by another key and the entry was dropped.
func (t *Table[V]) Insert(key string, value V) bool {
	var (
		start     = t.Hash(key)
		firstTomb = -1
	)

	for step := range len(t.slots) {
		var (
			i = (start + step) % len(t.slots)
			s = &t.slots[i]
		)

		switch {
		case s.tombstone:
			if firstTomb == -1 {
				firstTomb = i
			}
		case !s.used:
			if firstTomb != -1 {
				i = firstTomb
			}
			t.write(i, key, value)
			return true
		case s.key == key:
			s.value = value
			return true
		}
	}

	if firstTomb != -1 {
		t.write(firstTomb, key, value)
		return true
	}

	return false
}

// Lookup returns the value stored under key.
func (t *Table[V]) Lookup(key string) (V, bool) {
	if i := t.find(key); i >= 0 {
		return t.slots[i].value, true
	}

	var zero V
	return zero, false
}

// Remove replaces the entry for key with a tombstone.
// It reports whether the key was present.
func (t *Table[V]) Remove(key string) bool {
	var i = t.find(key)
	if i < 0 {
		return false
	}

	t.slots[i] = slot[V]{tombstone: true}
	t.count--
	t.tombs++
	return true
}

// Len returns the number of live entries.
func (t *Table[V]) Len() int {
	return t.count
}

// Stats returns a snapshot of slot usage.
func (t *Table[V]) Stats() Stats {
	return Stats{
		Capacity:   len(t.slots),
		Entries:    t.count,
		Tombstones: t.tombs,
	}
}

// Range calls fn for every live entry in slot order until fn returns false.
func (t *Table[V]) Range(fn func(key string, value V) bool) {
	for i := range t.slots {
		if !t.slots[i].used {
			continue
		}
		if !fn(t.slots[i].key, t.slots[i].value) {
			return
		}
	}
}

// find walks the probe sequence for key, skipping tombstones.
// Returns -1 on a true-empty slot or after a full wrap.
func (t *Table[V]) find(key string) int {
	var start = t.Hash(key)

	for step := range len(t.slots) {
		var (
			i = (start + step) % len(t.slots)
			s = &t.slots[i]
		)

		if s.tombstone {
			continue
		}
		if !s.used {
			return -1
		}
		if s.key == key {
			return i
		}
	}

	return -1
}

func (t *Table[V]) write(i int, key string, value V) {
	if t.slots[i].tombstone {
		t.tombs--
	}
	t.slots[i] = slot[V]{key: key, value: value, used: true}
	t.count++
}
