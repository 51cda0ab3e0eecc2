package dhtring

import "go-dhtring/hashtable"

// ringPosition returns the ring position that owns key in a ring of size n.
// The key is hashed exactly as the local store seeds its probe, then reduced by n,
// so every node agrees on placement for a given capacity and ring size.
func ringPosition(key string, capacity, n int) int {
	if n <= 0 {
		return 0
	}
	return hashtable.Sum(key, capacity) % n
}
