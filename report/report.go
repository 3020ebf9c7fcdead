package report

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kxapp-com/findmy-service/accessory"
)

// Apple epoch (2001-01-01) offset from the unix epoch, seconds.
const appleEpochOffset = 978307200

const (
	payloadLen    = 88
	ephemeralLen  = 57
	encryptedLen  = 10
	gcmTagLen     = 16
	timestampSize = 4
)

var ErrPayloadTooShort = errors.New("report: payload too short")

// LocationReport is one decrypted crowd-sourced sighting.
type LocationReport struct {
	PublishedAt        time.Time
	Description        string
	Timestamp          time.Time
	Confidence         int
	Latitude           float64
	Longitude          float64
	HorizontalAccuracy int
	Status             int
	HashedAdvKey       string
	KeyType            accessory.KeyType
}

/*
Compare 报告的自然排序: 先按观测时间，再按发布时间，最后按key
*/
func Compare(a, b *LocationReport) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	if c := a.PublishedAt.Compare(b.PublishedAt); c != 0 {
		return c
	}
	return strings.Compare(a.HashedAdvKey, b.HashedAdvKey)
}

func (r *LocationReport) String() string {
	return fmt.Sprintf("LocationReport(lat=%.6f, lon=%.6f, time=%s)", r.Latitude, r.Longitude, r.Timestamp.Format(time.RFC3339))
}

/*
Decrypt 解密服务器返回的payload
布局: 4字节时间戳(2001年起的秒) | 1字节置信度 | 57字节临时公钥 | 10字节密文 | 16字节tag
新版payload多一个字节，位于时间戳之后，需要丢弃
*/
func Decrypt(key *accessory.KeyPair, payload []byte, publishedAt time.Time, description string) (*LocationReport, error) {
	data := payload
	if len(data) > payloadLen {
		data = append(append([]byte{}, data[:timestampSize]...), data[timestampSize+1:]...)
	}
	if len(data) < payloadLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooShort, len(payload))
	}

	seconds := int64(binary.BigEndian.Uint32(data[0:4])) + appleEpochOffset
	confidence := int(data[4])
	ephemeral := data[5 : 5+ephemeralLen]
	sealed := data[5+ephemeralLen : 5+ephemeralLen+encryptedLen+gcmTagLen]

	shared, err := key.ECDH(ephemeral)
	if err != nil {
		return nil, err
	}
	symmetric := accessory.X963KDF(shared, ephemeral, 32)
	block, err := aes.NewCipher(symmetric[:16])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, 16)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, symmetric[16:], sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("report: decrypt payload: %w", err)
	}

	return &LocationReport{
		PublishedAt:        publishedAt,
		Description:        description,
		Timestamp:          time.Unix(seconds, 0).UTC(),
		Confidence:         confidence,
		Latitude:           float64(int32(binary.BigEndian.Uint32(plain[0:4]))) / 1e7,
		Longitude:          float64(int32(binary.BigEndian.Uint32(plain[4:8]))) / 1e7,
		HorizontalAccuracy: int(plain[8]),
		Status:             int(plain[9]),
		HashedAdvKey:       key.HashedAdvKeyB64(),
		KeyType:            key.Type,
	}, nil
}

// Seal is the finder-side counterpart of Decrypt, producing an 88 byte payload.
func Seal(ephemeral *accessory.KeyPair, target []byte, ts time.Time, confidence byte, lat, lon float64, accuracy, status byte) ([]byte, error) {
	shared, err := ephemeral.ECDH(target)
	if err != nil {
		return nil, err
	}
	ephPub := ephemeral.PublicBytes()
	symmetric := accessory.X963KDF(shared, ephPub, 32)
	block, err := aes.NewCipher(symmetric[:16])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, 16)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, encryptedLen)
	binary.BigEndian.PutUint32(plain[0:4], uint32(int32(lat*1e7)))
	binary.BigEndian.PutUint32(plain[4:8], uint32(int32(lon*1e7)))
	plain[8] = accuracy
	plain[9] = status

	out := make([]byte, 0, payloadLen)
	out = binary.BigEndian.AppendUint32(out, uint32(ts.Unix()-appleEpochOffset))
	out = append(out, confidence)
	out = append(out, ephPub...)
	return gcm.Seal(out, symmetric[16:], plain, nil), nil
}
