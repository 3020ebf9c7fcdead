package accessory

import (
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"math/big"
	"time"
)

// KeySize is the byte length of a P-224 scalar or x coordinate.
const KeySize = 28

var (
	ErrInvalidPrivateKey = errors.New("accessory: invalid P-224 private key")
	ErrInvalidPublicKey  = errors.New("accessory: invalid P-224 public key")
)

type KeyType int

const (
	KeyTypeUnknown KeyType = iota
	KeyTypePrimary
	KeyTypeSecondary
)

func (t KeyType) String() string {
	switch t {
	case KeyTypePrimary:
		return "primary"
	case KeyTypeSecondary:
		return "secondary"
	}
	return "unknown"
}

func curve() elliptic.Curve {
	return elliptic.P224()
}

// KeyPair is a P-224 key whose public x coordinate is what an accessory advertises.
type KeyPair struct {
	d    *big.Int
	x, y *big.Int
	Type KeyType
}

func NewKeyPair(priv []byte, keyType KeyType) (*KeyPair, error) {
	return keyPairFromScalar(new(big.Int).SetBytes(priv), keyType)
}

func GenerateKeyPair() (*KeyPair, error) {
	d, _, _, err := elliptic.GenerateKey(curve(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewKeyPair(d, KeyTypeUnknown)
}

func keyPairFromScalar(d *big.Int, keyType KeyType) (*KeyPair, error) {
	n := curve().Params().N
	if d.Sign() <= 0 || d.Cmp(n) >= 0 {
		return nil, ErrInvalidPrivateKey
	}
	x, y := curve().ScalarBaseMult(pad(d.Bytes(), KeySize))
	return &KeyPair{d: d, x: x, y: y, Type: keyType}, nil
}

func (k *KeyPair) PrivateBytes() []byte {
	return pad(k.d.Bytes(), KeySize)
}

// AdvKey is the 28 byte x coordinate broadcast over BLE.
func (k *KeyPair) AdvKey() []byte {
	return pad(k.x.Bytes(), KeySize)
}

// PublicBytes is the uncompressed point 04 | x | y.
func (k *KeyPair) PublicBytes() []byte {
	return elliptic.Marshal(curve(), k.x, k.y)
}

func (k *KeyPair) HashedAdvKey() []byte {
	sum := sha256.Sum256(k.AdvKey())
	return sum[:]
}

func (k *KeyPair) HashedAdvKeyB64() string {
	return base64.StdEncoding.EncodeToString(k.HashedAdvKey())
}

// ECDH returns the x coordinate of d*P for an uncompressed peer point.
func (k *KeyPair) ECDH(peer []byte) ([]byte, error) {
	px, py := elliptic.Unmarshal(curve(), peer)
	if px == nil {
		return nil, ErrInvalidPublicKey
	}
	sx, _ := curve().ScalarMult(px, py, k.PrivateBytes())
	return pad(sx.Bytes(), KeySize), nil
}

// KeysAt makes a single key usable wherever an Accessory is expected.
func (k *KeyPair) KeysAt(time.Time) []*KeyPair {
	return []*KeyPair{k}
}

func (k *KeyPair) Identifier() string {
	return k.HashedAdvKeyB64()
}

func pad(b []byte, size int) []byte {
	if len(b) >= size {
		return b
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}
