package gossip

import "math/rand/v2"

// Sampler picks up to k distinct gossip targets out of peers. It must not
// modify peers. k <= 0 selects nothing.
type Sampler func(peers []Address, k int) []Address

// RandomSampler draws k peers uniformly without replacement. A nil source
// uses the global generator.
func RandomSampler(src *rand.Rand) Sampler {
	intN := rand.IntN
	if src != nil {
		intN = src.IntN
	}
	return func(peers []Address, k int) []Address {
		if k <= 0 {
			return nil
		}
		if k >= len(peers) {
			return append([]Address(nil), peers...)
		}
		pool := append([]Address(nil), peers...)
		// partial Fisher-Yates: the first k slots end up uniformly chosen
		for i := 0; i < k; i++ {
			j := i + intN(len(pool)-i)
			pool[i], pool[j] = pool[j], pool[i]
		}
		return pool[:k]
	}
}

// FirstN is a deterministic Sampler that takes peers in table order.
func FirstN(peers []Address, k int) []Address {
	if k <= 0 {
		return nil
	}
	if k > len(peers) {
		k = len(peers)
	}
	return append([]Address(nil), peers[:k]...)
}
