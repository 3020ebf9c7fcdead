package twofactor

import "strings"

const (
	ModeSMS   = "sms"
	ModeVoice = "voice"
)

type ServiceError struct {
	Code    string `json:"code,omitempty"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message,omitempty"`
}

type TrustedPhoneNumber struct {
	ID                 int    `json:"id"`
	NumberWithDialCode string `json:"numberWithDialCode"`
	ObfuscatedNumber   string `json:"obfuscatedNumber"`
	LastTwoDigits      string `json:"lastTwoDigits"`
	PushMode           string `json:"pushMode"`
}

func (p TrustedPhoneNumber) DisplayNumber() string {
	if p.NumberWithDialCode != "" {
		return p.NumberWithDialCode
	}
	return p.ObfuscatedNumber
}

type TrustedDevice struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type SecurityCode struct {
	Code                  string `json:"code,omitempty"`
	Length                int    `json:"length,omitempty"`
	TooManyCodesSent      bool   `json:"tooManyCodesSent,omitempty"`
	TooManyCodesValidated bool   `json:"tooManyCodesValidated,omitempty"`
	SecurityCodeLocked    bool   `json:"securityCodeLocked,omitempty"`
}

// AuthData GET gsa.apple.com/auth 返回的二次校验信息
type AuthData struct {
	TrustedPhoneNumbers []TrustedPhoneNumber `json:"trustedPhoneNumbers"`
	TrustedDevices      []TrustedDevice      `json:"trustedDevices"` // 老的登录方式有此项
	SecurityCode        SecurityCode         `json:"securityCode"`
	Mode                string               `json:"mode"`
	AuthenticationType  string               `json:"authenticationType"`
	ServiceErrors       []ServiceError       `json:"serviceErrors,omitempty"`
}

type phoneNumberRef struct {
	ID int `json:"id"`
}

type codeRef struct {
	Code string `json:"code"`
}

type phoneRequest struct {
	PhoneNumber phoneNumberRef `json:"phoneNumber"`
	Mode        string         `json:"mode"`
}

type phoneVerifyRequest struct {
	PhoneNumber  phoneNumberRef `json:"phoneNumber"`
	SecurityCode codeRef        `json:"securityCode"`
	Mode         string         `json:"mode"`
}

type deviceVerifyRequest struct {
	SecurityCode codeRef `json:"securityCode"`
}

func normalizeCode(code string) string {
	return strings.Join(strings.Fields(code), "")
}
