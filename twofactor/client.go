package twofactor

import (
	"maps"
	"net/http"

	"gitee.com/kxapp/kxapp-common/errorz"
	"gitee.com/kxapp/kxapp-common/httpz"
	jsoniter "github.com/json-iterator/go"
	"github.com/kxapp-com/findmy-service/anisette"
)

const DefaultBaseURL = "https://gsa.apple.com/auth"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client talks to the GrandSlam second factor endpoints.
type Client struct {
	BaseURL    string
	HttpClient *http.Client
}

func NewClient() *Client {
	return &Client{BaseURL: DefaultBaseURL, HttpClient: httpz.NewHttpClient(nil)}
}

/*
StepHeaders 二次校验的时候使用的头，identityToken 是 base64(adsid:GsIdmsToken)
*/
func StepHeaders(identityToken string, data *anisette.Data) map[string]string {
	headers := map[string]string{
		"Content-Type":           httpz.ContentType_JSON,
		"X-Requested-With":       "XMLHttpRequest",
		"Accept":                 "application/json, text/javascript, */*; q=0.01",
		"Accept-Language":        "en-us",
		"User-Agent":             httpz.UserAgent_XCode,
		"X-Apple-App-Info":       "com.apple.gs.xcode.auth",
		"X-Xcode-Version":        "14.2 (14C18)",
		"X-Apple-Identity-Token": identityToken,
	}
	if data != nil {
		maps.Copy(headers, data.Headers())
	}
	return headers
}

func (c *Client) AuthData(headers map[string]string) (*AuthData, error) {
	res := httpz.NewHttpRequestBuilder(http.MethodGet, c.BaseURL).AddHeaders(headers).Request(c.HttpClient)
	if err := checkResponse(res); err != nil {
		return nil, err
	}
	var data AuthData
	if err := json.Unmarshal(res.Body, &data); err != nil {
		return nil, errorz.NewParseDataError(err)
	}
	return &data, nil
}

func (c *Client) RequestSMS(headers map[string]string, phoneID int) error {
	body, _ := json.Marshal(phoneRequest{PhoneNumber: phoneNumberRef{ID: phoneID}, Mode: ModeSMS})
	return c.send(http.MethodPut, "/verify/phone", headers, body)
}

func (c *Client) SubmitSMS(headers map[string]string, phoneID int, code string) error {
	body, _ := json.Marshal(phoneVerifyRequest{PhoneNumber: phoneNumberRef{ID: phoneID}, SecurityCode: codeRef{Code: code}, Mode: ModeSMS})
	return c.send(http.MethodPost, "/verify/phone/securitycode", headers, body)
}

func (c *Client) RequestDeviceCode(headers map[string]string) error {
	return c.send(http.MethodPut, "/verify/trusteddevice/securitycode", headers, []byte("{}"))
}

/*
校验设备码，423表示校验码发送太多，400表示错误，错误信息在serviceErrors里面
*/
func (c *Client) SubmitDeviceCode(headers map[string]string, code string) error {
	body, _ := json.Marshal(deviceVerifyRequest{SecurityCode: codeRef{Code: code}})
	return c.send(http.MethodPost, "/verify/trusteddevice/securitycode", headers, body)
}

func (c *Client) send(method, path string, headers map[string]string, body []byte) error {
	res := httpz.NewHttpRequestBuilder(method, c.BaseURL+path).AddHeaders(headers).AddBody(string(body)).Request(c.HttpClient)
	return checkResponse(res)
}

func checkResponse(res *httpz.HttpResponse) error {
	if res.Error == nil && res.Status >= 200 && res.Status < 300 {
		return nil
	}
	if res.Status == 0 && res.Error != nil {
		return errorz.NewNetworkError(res.Error)
	}
	msg := http.StatusText(res.Status)
	if len(res.Body) > 0 {
		msg = errorMessage(res.Body)
	}
	return &errorz.StatusError{Status: res.Status, Body: msg}
}

// errorMessage pulls the first human readable message out of an error body.
func errorMessage(body []byte) string {
	for _, path := range [][]any{
		{"serviceErrors", 0, "message"},
		{"service_errors", 0, "message"},
		{"serviceErrors", 0, "title"},
	} {
		if msg := json.Get(body, path...).ToString(); msg != "" {
			return msg
		}
	}
	return string(body)
}
