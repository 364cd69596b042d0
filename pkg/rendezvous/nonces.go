package rendezvous

// nonceCacheSize bounds the remembered offer nonces per subscriber.
const nonceCacheSize = 128

// nonceCache is a bounded set of recently seen offer nonces. Once full, the
// oldest entry is evicted. Not safe for concurrent use; each subscriber owns
// one and touches it only from its stream goroutine.
type nonceCache struct {
	capacity int
	order    []string
	seen     map[string]struct{}
}

func newNonceCache(capacity int) *nonceCache {
	if capacity <= 0 {
		capacity = nonceCacheSize
	}
	return &nonceCache{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
	}
}

// remember records a nonce. Returns false if the nonce was already present.
func (c *nonceCache) remember(nonce []byte) bool {
	key := string(nonce)
	if _, dup := c.seen[key]; dup {
		return false
	}
	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, oldest)
	}
	c.order = append(c.order, key)
	c.seen[key] = struct{}{}
	return true
}
