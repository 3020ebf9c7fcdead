package gsa

import (
	"encoding/base64"
	"fmt"
)

const (
	StatusOK                      = 200 // Request accepted
	StatusSecondaryActionRequired = 409 // Secondary authentication (2FA) is required
	StatusAnisetteReprovision     = 433 // Anisette machine data has changed
	StatusAnisetteResync          = 434 // Anisette headers have expired
)

const (
	AuthTrustedDeviceSecondary = "trustedDeviceSecondaryAuth"
	AuthSecondary              = "secondaryAuth"
)

const (
	TokenIdmsPet = "com.apple.gs.idms.pet"
)

type RequestCPD struct {
	CID            string `plist:"AppleIDClientIdentifier"`
	ClientTime     string `plist:"X-Apple-I-Client-Time"`
	IMD            string `plist:"X-Apple-I-MD"`
	IMDM           string `plist:"X-Apple-I-MD-M"`
	RInfo          int    `plist:"X-Apple-I-MD-RINFO"`
	SerialNumber   string `plist:"X-Apple-I-SRL-NO,omitempty"`
	UDID           string `plist:"X-Mme-Device-Id"`
	ClientTimeZone string `plist:"X-Apple-I-TimeZone"`
	Loc            string `plist:"loc,omitempty"`
	BootStrap      bool   `plist:"bootstrap"`
	CKGen          bool   `plist:"ckgen,omitempty"`
	Icscrec        bool   `plist:"icscrec"`
	PBE            bool   `plist:"pbe"`
	PRKGEN         bool   `plist:"prkgen"`
	SVCT           string `plist:"svct,omitempty"`
}

type InitRequest struct {
	A2K        []byte     `plist:"A2k"` // client public key A
	Operation  string     `plist:"o"`
	ProtoStyle []string   `plist:"ps"`
	UserName   string     `plist:"u"`
	CPD        RequestCPD `plist:"cpd"`
}

type InitResponse struct {
	Status         Status `plist:"Status"`
	IterationCount int    `plist:"i"`  // PBKDF2 iterations
	Salt           []byte `plist:"s"`  // SRP salt
	ServerProto    string `plist:"sp"` // s2k or s2k_fo
	Cookie         string `plist:"c"`
	SRPB           []byte `plist:"B"` // server public key B
}

type Status struct {
	StatusCode       int    `plist:"hsc"`
	ErrorDescription string `plist:"ed"`
	ErrorCode        int    `plist:"ec"` // 0 表示没错误，-20101 表示密码错误
	ErrorMessage     string `plist:"em"`
	AuthMode         string `plist:"au"` // trustedDeviceSecondaryAuth / secondaryAuth when 2FA is required
}

type CompleteRequest struct {
	M1        []byte     `plist:"M1"`
	Cookie    string     `plist:"c"`
	Operation string     `plist:"o"`
	UserName  string     `plist:"u"`
	CPD       RequestCPD `plist:"cpd"`
}

type CompleteResponse struct {
	Status Status `plist:"Status"`
	SPD    []byte `plist:"spd"` // AES-CBC encrypted with the SRP session key
	M2     []byte `plist:"M2"`
	NP     []byte `plist:"np"`
}

type Token struct {
	Duration int    `plist:"duration" json:"duration"`
	Expiry   int64  `plist:"expiry" json:"expiry"`
	Token    string `plist:"token" json:"token"`
}

// ServerProvidedData 是密码校验成功后解密得到的账号信息和token
type ServerProvidedData struct {
	DsPrsId      int               `plist:"DsPrsId" json:"DsPrsId"`
	GsIdmsToken  string            `plist:"GsIdmsToken" json:"GsIdmsToken"`
	Acname       string            `plist:"acname" json:"acname"`
	Adsid        string            `plist:"adsid" json:"adsid"`
	C            []byte            `plist:"c" json:"c"`
	Sk           []byte            `plist:"sk" json:"sk"`
	Fn           string            `plist:"fn" json:"fn"`
	Ln           string            `plist:"ln" json:"ln"`
	PrimaryEmail string            `plist:"primaryEmail" json:"primaryEmail"`
	StatusCode   int               `plist:"status-code" json:"statusCode"`
	TokenBundles map[string]*Token `plist:"t" json:"tokenBundles"`
}

// IdentityToken base64(adsid:GsIdmsToken), sent as X-Apple-Identity-Token during 2FA
func (spd *ServerProvidedData) IdentityToken() string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s:%s", spd.Adsid, spd.GsIdmsToken)))
}

func (spd *ServerProvidedData) Token(name string) string {
	if t, ok := spd.TokenBundles[name]; ok && t != nil {
		return t.Token
	}
	return ""
}

type AuthResult struct {
	Status Status
	SPD    ServerProvidedData
}

func (r *AuthResult) NeedsSecondFactor() bool {
	switch r.Status.AuthMode {
	case AuthTrustedDeviceSecondary, AuthSecondary:
		return true
	}
	return r.SPD.StatusCode == StatusSecondaryActionRequired
}
