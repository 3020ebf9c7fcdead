package gsa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"net/http"
	"strconv"
	"time"

	"gitee.com/kxapp/kxapp-common/errorz"
	"gitee.com/kxapp/kxapp-common/httpz"
	"github.com/kxapp-com/findmy-service/anisette"
	"github.com/kxapp-com/findmy-service/srp"
	log "github.com/sirupsen/logrus"
	"howett.net/plist"
)

const DefaultURL = "https://gsa.apple.com/grandslam/GsService2"

var errBadPadding = errors.New("gsa: invalid pkcs7 padding")

type Client struct {
	URL        string
	HttpClient *http.Client
}

func NewClient() *Client {
	return &Client{URL: DefaultURL, HttpClient: httpz.NewHttpClient(nil)}
}

/*
Authenticate 执行 init 和 complete 两步SRP登录，返回解密后的spd
hsc=434 表示 anisette 已经过期，433 表示需要 reprovision，409 表示需要二次校验
*/
func (c *Client) Authenticate(username, password string, data *anisette.Data) (*AuthResult, *errorz.StatusError) {
	if data == nil {
		return nil, errorz.NewInternalError("anisette data required")
	}
	srpClient := srp.NewClient(srp.Param2048, nil)
	cpd := newCPD(data)

	initReq := InitRequest{A2K: srpClient.A(), CPD: cpd, ProtoStyle: []string{"s2k", "s2k_fo"}, UserName: username, Operation: "init"}
	initResp, e := parseResponse[InitResponse](c.post(initReq, data))
	if e != nil {
		return nil, e
	}
	if initResp.ServerProto != "s2k" && initResp.ServerProto != "s2k_fo" {
		return nil, errorz.NewInternalError("unsupported srp protocol " + initResp.ServerProto)
	}

	hashed := srp.HashPassword(password, initResp.Salt, initResp.IterationCount, initResp.ServerProto == "s2k_fo")
	if err := srpClient.ProcessChallenge([]byte(username), hashed, initResp.Salt, initResp.SRPB); err != nil {
		return nil, errorz.NewInternalError(err.Error())
	}

	completeReq := CompleteRequest{CPD: cpd, M1: srpClient.M1(), Cookie: initResp.Cookie, UserName: username, Operation: "complete"}
	completeResp, e := parseResponse[CompleteResponse](c.post(completeReq, data))
	if e != nil {
		return nil, e
	}
	if err := srpClient.VerifyM2(completeResp.M2); err != nil {
		return nil, errorz.NewInternalError("m2 check failed, internal error")
	}

	result := &AuthResult{Status: completeResp.Status}
	if len(completeResp.SPD) > 0 {
		raw, err := DecryptSPD(completeResp.SPD, srpClient.SessionKey())
		if err != nil {
			return nil, errorz.NewParseDataError(err)
		}
		if _, err := plist.Unmarshal(raw, &result.SPD); err != nil {
			return nil, errorz.NewParseDataError(err)
		}
	}
	return result, nil
}

func newCPD(data *anisette.Data) RequestCPD {
	rinfo, _ := strconv.Atoi(data.XAppleIMDRINFO)
	return RequestCPD{
		CID:            data.XMmeDeviceId,
		ClientTime:     time.Now().UTC().Format(anisette.ClientTimeFormat),
		IMD:            data.XAppleIMD,
		IMDM:           data.XAppleIMDM,
		RInfo:          rinfo,
		SerialNumber:   data.XAppleISRLNO,
		UDID:           data.XMmeDeviceId,
		ClientTimeZone: data.XAppleITimeZone,
		Loc:            data.XAppleLocale,
		BootStrap:      true,
		CKGen:          true,
		Icscrec:        true,
		PRKGEN:         true,
		SVCT:           "iCloud",
	}
}

/*
DecryptSPD spd 使用 aes-cbc 加密，pkcs7 对齐。key,iv 通过 HMAC(K, "extra data key:") 和 HMAC(K, "extra data iv:") 得到
*/
func DecryptSPD(spd []byte, sessionKey []byte) ([]byte, error) {
	key := sessionHMAC("extra data key:", sessionKey)
	iv := sessionHMAC("extra data iv:", sessionKey)[:aes.BlockSize]
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(spd) == 0 || len(spd)%aes.BlockSize != 0 {
		return nil, errBadPadding
	}
	plaintext := make([]byte, len(spd))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, spd)
	return pkcs7Unpad(plaintext, aes.BlockSize)
}

func sessionHMAC(name string, sessionKey []byte) []byte {
	mac := hmac.New(sha256.New, sessionKey)
	mac.Write([]byte(name))
	return mac.Sum(nil)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := len(data)
	if n == 0 {
		return nil, errBadPadding
	}
	pad := int(data[n-1])
	if pad == 0 || pad > blockSize || pad > n {
		return nil, errBadPadding
	}
	for _, b := range data[n-pad:] {
		if int(b) != pad {
			return nil, errBadPadding
		}
	}
	return data[:n-pad], nil
}

type envelope[T any] struct {
	Response T `plist:"Response"`
}

type statusEnvelope struct {
	Response struct {
		Status Status `plist:"Status"`
	} `plist:"Response"`
}

func parseResponse[T any](res *httpz.HttpResponse) (*T, *errorz.StatusError) {
	if res.HasError() {
		return nil, errorz.NewNetworkError(res.Error)
	}
	var head statusEnvelope
	if _, err := plist.Unmarshal(res.Body, &head); err != nil {
		return nil, errorz.NewParseDataError(err)
	}
	if status := head.Response.Status; status.ErrorCode != 0 {
		return nil, &errorz.StatusError{Status: status.ErrorCode, Body: status.ErrorMessage}
	}
	var env envelope[T]
	if _, err := plist.Unmarshal(res.Body, &env); err != nil {
		return nil, errorz.NewParseDataError(err)
	}
	return &env.Response, nil
}

/*
req必须是值类型，如果是指针类型，在plist编码的时候会失败
*/
func (c *Client) post(req any, data *anisette.Data) *httpz.HttpResponse {
	headers := map[string]string{
		"Content-Type":      httpz.ContentType_Plist,
		"Accept":            "*/*",
		"Accept-Language":   "en-us",
		"User-Agent":        httpz.UserAgent_AKD,
		"X-MMe-Client-Info": data.XMmeClientInfo,
	}
	request := map[string]any{
		"Header":  map[string]string{"Version": "1.0.1"},
		"Request": req,
	}
	body, e := plist.MarshalIndent(request, plist.XMLFormat, "\t")
	if e != nil {
		log.Error("gsa request param error ", e)
		return &httpz.HttpResponse{Error: e, Status: http.StatusInternalServerError}
	}
	return httpz.NewHttpRequestBuilder(http.MethodPost, c.URL).AddHeaders(headers).AddBody(body).Request(c.HttpClient)
}
