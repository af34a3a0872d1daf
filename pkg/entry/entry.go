// Package entry defines the unit persisted by the engine and its binary
// encoding, shared by the write-ahead log and segment files.
package entry

// Entry is an immutable key/value record. A tombstone carries no value and
// marks the key as deleted.
type Entry struct {
	CreationEpochSeconds int64
	Key                  string
	Value                string
	Tombstone            bool
}

func New(creationEpochSeconds int64, key, value string) Entry {
	return Entry{
		CreationEpochSeconds: creationEpochSeconds,
		Key:                  key,
		Value:                value,
	}
}

func NewTombstone(creationEpochSeconds int64, key string) Entry {
	return Entry{
		CreationEpochSeconds: creationEpochSeconds,
		Key:                  key,
		Tombstone:            true,
	}
}

// EncodedSize returns the number of bytes AppendBinary writes for e.
func (e Entry) EncodedSize() int {
	return timestampSize + lenSize + len(e.Key) + lenSize + len(e.Value)
}

// Supersedes reports whether e should replace other for the same key.
// Ties go to e, so callers feed candidates oldest first.
func (e Entry) Supersedes(other Entry) bool {
	return e.CreationEpochSeconds >= other.CreationEpochSeconds
}
