package srp

import (
	"crypto"
	_ "crypto/sha256"
	"encoding/hex"
	"math/big"
	"regexp"
)

/*
Param 是SRP的G,N参数组，apple的GrandSlam使用2048位的组和sha256
*/
type Param struct {
	G    *big.Int
	N    *big.Int
	Hash crypto.Hash
	// NBits 决定A,B,S 对齐的长度
	NBits int
	// NoUserNameInX apple计算x的时候不加用户名
	NoUserNameInX bool
}

// Param2048 rfc5054 2048-bit group, used by gsa.apple.com
var Param2048 = newParam(2, 2048, crypto.SHA256, `
	AC6BDB41 324A9A9B F166DE5E 1389582F AF72B665 1987EE07 FC319294
	3DB56050 A37329CB B4A099ED 8193E075 7767A13D D52312AB 4B03310D
	CD7F48A9 DA04FD50 E8083969 EDB767B0 CF609517 9A163AB3 661A05FB
	D5FAAAE8 2918A996 2F0B93B8 55F97993 EC975EEA A80D740A DBF4FF74
	7359D041 D5C33EA7 1D281E44 6B14773B CA97B43A 23FB8016 76BD207A
	436C6481 F1D2B907 8717461A 5B9D32E6 88F87748 544523B5 24B0D57D
	5EA77A27 75D2ECFA 032CFBDB F52FB378 61602790 04E57AE6 AF874E73
	03CE5329 9CCC041C 7BC308D8 2A5698F3 A8D0C382 71AE35F8 E9DBFBB6
	94B5C803 D89F7AE4 35DE236D 525F5475 9B65E372 FCD68EF2 0FA7111F
	9E4AFF73
`)

func newParam(g int64, bits int, hash crypto.Hash, nHex string) *Param {
	clean := regexp.MustCompile("[^0-9a-fA-F]").ReplaceAllString(nHex, "")
	nBytes, err := hex.DecodeString(clean)
	if err != nil {
		panic(err)
	}
	return &Param{
		G:             big.NewInt(g),
		N:             new(big.Int).SetBytes(nBytes),
		Hash:          hash,
		NBits:         bits,
		NoUserNameInX: true,
	}
}

func (p *Param) digest(parts ...[]byte) []byte {
	h := p.Hash.New()
	for _, part := range parts {
		h.Write(part)
	}
	return h.Sum(nil)
}

// Pad left-pads n to the byte length of N.
func (p *Param) Pad(n *big.Int) []byte {
	b := n.Bytes()
	size := p.NBits / 8
	if len(b) >= size {
		return b
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}

// Multiplier k = H(N | pad(g))
func (p *Param) Multiplier() *big.Int {
	return new(big.Int).SetBytes(p.digest(p.N.Bytes(), p.Pad(p.G)))
}

// Scrambler u = H(pad(A) | pad(B))
func (p *Param) Scrambler(A, B *big.Int) *big.Int {
	return new(big.Int).SetBytes(p.digest(p.Pad(A), p.Pad(B)))
}

// X x = H(salt | H([I] | ":" | P))
func (p *Param) X(salt, username, password []byte) *big.Int {
	var inner []byte
	if p.NoUserNameInX {
		inner = p.digest([]byte(":"), password)
	} else {
		inner = p.digest(username, []byte(":"), password)
	}
	return new(big.Int).SetBytes(p.digest(salt, inner))
}

// Verifier v = g^x mod N
func (p *Param) Verifier(salt, username, password []byte) []byte {
	v := new(big.Int).Exp(p.G, p.X(salt, username, password), p.N)
	return p.Pad(v)
}

/*
M1 = H(H(N) xor H(pad(g)) | H(I) | salt | A | B | K)，A,B 必须对齐
*/
func (p *Param) M1(username, salt, A, B, K []byte) []byte {
	hn := p.digest(p.N.Bytes())
	hg := p.digest(p.Pad(p.G))
	for i := range hn {
		hn[i] ^= hg[i]
	}
	return p.digest(hn, p.digest(username), salt, A, B, K)
}

// M2 = H(A | M1 | K)
func (p *Param) M2(A, M1, K []byte) []byte {
	return p.digest(A, M1, K)
}

// SessionKey K = H(S)
func (p *Param) SessionKey(S []byte) []byte {
	return p.digest(S)
}
