package accessory

import (
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"howett.net/plist"
)

// KeyInterval is how long an accessory keeps advertising one primary key.
const KeyInterval = 15 * time.Minute

// intervalsPerDay primary keys per secondary key
const intervalsPerDay = 96

var ErrInvalidDescriptor = errors.New("accessory: invalid descriptor")

// Accessory is anything that can tell which keys it may have advertised at a moment.
type Accessory interface {
	KeysAt(t time.Time) []*KeyPair
	Identifier() string
}

// KeysBetween collects the distinct keys of a over [start, end], sampled once per key interval.
func KeysBetween(a Accessory, start, end time.Time) []*KeyPair {
	seen := make(map[string]bool)
	var keys []*KeyPair
	add := func(t time.Time) {
		for _, k := range a.KeysAt(t) {
			id := k.HashedAdvKeyB64()
			if !seen[id] {
				seen[id] = true
				keys = append(keys, k)
			}
		}
	}
	for t := start; t.Before(end); t = t.Add(KeyInterval) {
		add(t)
	}
	add(end)
	return keys
}

// FindMyAccessory is a paired AirTag-style accessory with rolling keys.
type FindMyAccessory struct {
	PairedAt time.Time
	Model    string
	ID       string
	Name     string

	masterKey []byte
	skn       []byte
	sks       []byte
	primary   *keyGenerator
	secondary *keyGenerator
}

func NewFindMyAccessory(masterKey, skn, sks []byte, pairedAt time.Time, model, id, name string) (*FindMyAccessory, error) {
	if len(masterKey) < KeySize || len(skn) != 32 || len(sks) != 32 {
		return nil, fmt.Errorf("%w: master key %d bytes, skn %d bytes, sks %d bytes", ErrInvalidDescriptor, len(masterKey), len(skn), len(sks))
	}
	masterKey = masterKey[len(masterKey)-KeySize:]
	master := new(big.Int).SetBytes(masterKey)
	if master.Sign() == 0 || master.Cmp(curve().Params().N) >= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, ErrInvalidPrivateKey)
	}
	return &FindMyAccessory{
		PairedAt:  pairedAt.UTC(),
		Model:     model,
		ID:        id,
		Name:      name,
		masterKey: masterKey,
		skn:       skn,
		sks:       sks,
		primary:   newKeyGenerator(master, skn, KeyTypePrimary),
		secondary: newKeyGenerator(master, sks, KeyTypeSecondary),
	}, nil
}

func (a *FindMyAccessory) Identifier() string {
	return a.ID
}

/*
KeysAt 返回在 t 时刻可能广播的key:
主key每15分钟轮换一次；重启后设备使用次日的次级key；配对后第一个凌晨4点之后还要考虑第一天的偏移
*/
func (a *FindMyAccessory) KeysAt(t time.Time) []*KeyPair {
	if t.Before(a.PairedAt) {
		return nil
	}
	ind := int(t.Sub(a.PairedAt)/KeyInterval) + 1

	local := a.PairedAt.In(time.Local)
	rollover := time.Date(local.Year(), local.Month(), local.Day(), 4, 0, 0, 0, time.Local)
	if rollover.Before(local) {
		rollover = rollover.AddDate(0, 0, 1)
	}
	secondaryOffset := int(rollover.Sub(a.PairedAt)/KeyInterval) + 1

	keys := make([]*KeyPair, 0, 3)
	appendKey := func(g *keyGenerator, index int) {
		k, err := g.At(index)
		if err != nil {
			log.WithError(err).WithField("index", index).Warn("skip underivable key")
			return
		}
		keys = append(keys, k)
	}
	appendKey(a.primary, ind)
	appendKey(a.secondary, ind/intervalsPerDay+1)
	if ind > secondaryOffset {
		appendKey(a.secondary, (ind-secondaryOffset)/intervalsPerDay+2)
	}
	return keys
}

type plistKey struct {
	Key struct {
		Data []byte `plist:"data"`
	} `plist:"key"`
}

type accessoryPlist struct {
	PrivateKey                  plistKey  `plist:"privateKey"`
	SharedSecret                plistKey  `plist:"sharedSecret"`
	SecondarySharedSecret       plistKey  `plist:"secondarySharedSecret"`
	SecureLocationsSharedSecret plistKey  `plist:"secureLocationsSharedSecret"`
	PairingDate                 time.Time `plist:"pairingDate"`
	Model                       string    `plist:"model"`
	Identifier                  string    `plist:"identifier"`
	Name                        string    `plist:"name,omitempty"`
}

// FromPlist decodes the accessory record exported from the FindMy app cache.
func FromPlist(r io.Reader) (*FindMyAccessory, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return fromPlistBytes(raw)
}

// Decode is FromPlist over the textual descriptor a host stores.
func Decode(descriptor string) (Accessory, error) {
	if strings.TrimSpace(descriptor) == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidDescriptor)
	}
	a, err := fromPlistBytes([]byte(descriptor))
	if err != nil {
		return nil, err
	}
	return a, nil
}

func fromPlistBytes(raw []byte) (*FindMyAccessory, error) {
	var p accessoryPlist
	if _, err := plist.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	sks := p.SecureLocationsSharedSecret.Key.Data
	if len(sks) == 0 {
		sks = p.SecondarySharedSecret.Key.Data
	}
	return NewFindMyAccessory(p.PrivateKey.Key.Data, p.SharedSecret.Key.Data, sks, p.PairingDate, p.Model, p.Identifier, p.Name)
}

// MarshalPlist writes the accessory back in the layout FromPlist reads.
func (a *FindMyAccessory) MarshalPlist() ([]byte, error) {
	var p accessoryPlist
	p.PrivateKey.Key.Data = a.masterKey
	p.SharedSecret.Key.Data = a.skn
	p.SecondarySharedSecret.Key.Data = a.sks
	p.PairingDate = a.PairedAt
	p.Model = a.Model
	p.Identifier = a.ID
	p.Name = a.Name
	return plist.MarshalIndent(p, plist.XMLFormat, "\t")
}
