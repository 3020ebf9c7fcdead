package anisette

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
)

const ClientTimeFormat = "2006-01-02T15:04:05Z"

const (
	DefaultRInfo      = "17106176"
	DefaultClientInfo = "<MacBookPro18,3> <Mac OS X;13.4.1;22F8> <com.apple.AOSKit/282 (com.apple.dt.Xcode/3594.4.19)>"
	DefaultLocale     = "en_US"
	DefaultTimeZone   = "UTC"
	DefaultSerial     = "0"
)

var ErrMissingMachineData = errors.New("anisette: server returned no machine data")

// Data 是请求GrandSlam和iCloud接口需要附加的设备证明头
type Data struct {
	XAppleIMD         string `json:"X-Apple-I-MD"`
	XAppleIMDM        string `json:"X-Apple-I-MD-M"`
	XAppleIMDRINFO    string `json:"X-Apple-I-MD-RINFO"`
	XAppleIMDLU       string `json:"X-Apple-I-MD-LU"`
	XAppleISRLNO      string `json:"X-Apple-I-SRL-NO"`
	XMmeClientInfo    string `json:"X-MMe-Client-Info"`
	XAppleIClientTime string `json:"X-Apple-I-Client-Time"`
	XAppleITimeZone   string `json:"X-Apple-I-TimeZone"`
	XAppleLocale      string `json:"X-Apple-Locale"`
	XMmeDeviceId      string `json:"X-Mme-Device-Id"`
}

func (d *Data) Headers() map[string]string {
	return map[string]string{
		"X-Apple-I-MD":          d.XAppleIMD,
		"X-Apple-I-MD-M":        d.XAppleIMDM,
		"X-Apple-I-MD-RINFO":    d.XAppleIMDRINFO,
		"X-Apple-I-MD-LU":       d.XAppleIMDLU,
		"X-Apple-I-SRL-NO":      d.XAppleISRLNO,
		"X-Mme-Client-Info":     d.XMmeClientInfo,
		"X-Apple-I-Client-Time": d.XAppleIClientTime,
		"X-Apple-I-TimeZone":    d.XAppleITimeZone,
		"X-Apple-Locale":        d.XAppleLocale,
		"X-Mme-Device-Id":       d.XMmeDeviceId,
	}
}

// fillDefaults keeps what the server sent and supplies the rest from the local identity.
func (d *Data) fillDefaults(userID, deviceID string, now time.Time) {
	setIfEmpty := func(field *string, v string) {
		if *field == "" {
			*field = v
		}
	}
	setIfEmpty(&d.XAppleIMDRINFO, DefaultRInfo)
	setIfEmpty(&d.XAppleIMDLU, base64.StdEncoding.EncodeToString([]byte(strings.ToUpper(userID))))
	setIfEmpty(&d.XAppleISRLNO, DefaultSerial)
	setIfEmpty(&d.XMmeClientInfo, DefaultClientInfo)
	setIfEmpty(&d.XAppleITimeZone, DefaultTimeZone)
	setIfEmpty(&d.XAppleLocale, DefaultLocale)
	setIfEmpty(&d.XMmeDeviceId, strings.ToUpper(deviceID))
	d.XAppleIClientTime = now.UTC().Format(ClientTimeFormat)
}

type Provider interface {
	Fetch(userID, deviceID string) (*Data, error)
}

// RemoteProvider 从 v1 协议的 anisette 服务器获取机器数据（一次 GET 返回头部 json）
type RemoteProvider struct {
	URL    string
	client *resty.Client
	now    func() time.Time
}

func NewRemoteProvider(serverURL string) (*RemoteProvider, error) {
	u, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil {
		return nil, fmt.Errorf("anisette: invalid server url %q: %w", serverURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("anisette: invalid server url %q", serverURL)
	}
	client := resty.New().
		SetTimeout(30*time.Second).
		SetHeader("Accept", "application/json")
	return &RemoteProvider{URL: u.String(), client: client, now: time.Now}, nil
}

func (p *RemoteProvider) Fetch(userID, deviceID string) (*Data, error) {
	var data Data
	resp, err := p.client.R().SetResult(&data).ForceContentType("application/json").Get(p.URL)
	if err != nil {
		return nil, fmt.Errorf("anisette: request %s: %w", p.URL, err)
	}
	if resp.StatusCode() != http.StatusOK {
		log.WithField("status", resp.StatusCode()).Error("anisette server rejected request")
		return nil, fmt.Errorf("anisette: server %s returned status %d", p.URL, resp.StatusCode())
	}
	if data.XAppleIMD == "" || data.XAppleIMDM == "" {
		return nil, ErrMissingMachineData
	}
	data.fillDefaults(userID, deviceID, p.now())
	return &data, nil
}
