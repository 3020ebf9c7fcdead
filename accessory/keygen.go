package accessory

import (
	"crypto/sha256"
	"encoding/binary"
	"math/big"
	"sync"
)

// X963KDF is the ANSI X9.63 key derivation function over SHA-256.
func X963KDF(value, sharedInfo []byte, length int) []byte {
	out := make([]byte, 0, length+sha256.Size)
	var counter [4]byte
	for i := uint32(1); len(out) < length; i++ {
		binary.BigEndian.PutUint32(counter[:], i)
		h := sha256.New()
		h.Write(value)
		h.Write(counter[:])
		h.Write(sharedInfo)
		out = h.Sum(out)
	}
	return out[:length]
}

/*
deriveKey 用 sk 对主私钥做分散: at = KDF(sk, "diversify", 72)
u = at[:36] mod (n-1) + 1, v = at[36:] mod (n-1) + 1, d = master*u + v mod n
*/
func deriveKey(master *big.Int, sk []byte) *big.Int {
	n := curve().Params().N
	nMinus1 := new(big.Int).Sub(n, big.NewInt(1))
	at := X963KDF(sk, []byte("diversify"), 72)

	u := new(big.Int).SetBytes(at[:36])
	u.Mod(u, nMinus1).Add(u, big.NewInt(1))
	v := new(big.Int).SetBytes(at[36:])
	v.Mod(v, nMinus1).Add(v, big.NewInt(1))

	d := new(big.Int).Mul(master, u)
	d.Add(d, v)
	return d.Mod(d, n)
}

// keyGeneratorCacheSize bounds the derived keys kept per generator. KeysAt alternates between
// two secondary indices, so a handful is enough.
const keyGeneratorCacheSize = 16

// keyGenerator walks the sk chain sk_i = KDF(sk_{i-1}, "update", 32), caching the last position
// and the most recently derived keys.
type keyGenerator struct {
	mu       sync.Mutex
	master   *big.Int
	initial  []byte
	keyType  KeyType
	curIndex int
	curSK    []byte
	sks      map[int][]byte
	keys     map[int]*KeyPair
	// steps and derived count KDF updates and scalar derivations
	steps   int
	derived int
}

func newKeyGenerator(master *big.Int, initialSK []byte, keyType KeyType) *keyGenerator {
	return &keyGenerator{
		master:  master,
		initial: initialSK,
		keyType: keyType,
		curSK:   initialSK,
		sks:     make(map[int][]byte),
		keys:    make(map[int]*KeyPair),
	}
}

// sk 向后查找时从缓存中最近的位置继续，而不是从头开始
func (g *keyGenerator) sk(index int) []byte {
	if index < g.curIndex {
		g.curIndex, g.curSK = 0, g.initial
		for i, sk := range g.sks {
			if i <= index && i > g.curIndex {
				g.curIndex, g.curSK = i, sk
			}
		}
	}
	for g.curIndex < index {
		g.curSK = X963KDF(g.curSK, []byte("update"), 32)
		g.curIndex++
		g.steps++
	}
	return g.curSK
}

func (g *keyGenerator) At(index int) (*KeyPair, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if k, ok := g.keys[index]; ok {
		return k, nil
	}
	sk := g.sk(index)
	k, err := keyPairFromScalar(deriveKey(g.master, sk), g.keyType)
	if err != nil {
		return nil, err
	}
	g.derived++
	if len(g.keys) >= keyGeneratorCacheSize {
		clear(g.keys)
		clear(g.sks)
	}
	g.keys[index] = k
	g.sks[index] = sk
	return k, nil
}
