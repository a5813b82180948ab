package model

type Item struct {
	Key   string
	Value []byte

	Flags uint32
	Size  int64
	CAS   uint64

	// ExpiresAt is Unix nanoseconds. 0 means no expiration.
	ExpiresAt int64
}

// Expired reports whether the item is logically absent at now (Unix nanoseconds).
func (it *Item) Expired(now int64) bool {
	return it.ExpiresAt > 0 && it.ExpiresAt <= now
}

func (it *Item) Clone() *Item {
	v := make([]byte, len(it.Value))
	copy(v, it.Value)
	return &Item{
		Key:       it.Key,
		Value:     v,
		Flags:     it.Flags,
		Size:      it.Size,
		CAS:       it.CAS,
		ExpiresAt: it.ExpiresAt,
	}
}
