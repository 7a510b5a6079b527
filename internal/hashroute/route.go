package hashroute

import (
	"hash/fnv"
	"strings"
)

const PartitionCount = 25

// CanonicalizeObjectName normalizes object names before hashing.
func CanonicalizeObjectName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func PartitionForObject(name string) int {
	key := CanonicalizeObjectName(name)
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum64() % PartitionCount)
}
