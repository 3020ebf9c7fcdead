package account

import (
	"fmt"
	"net/http"
	"strings"

	"gitee.com/kxapp/kxapp-common/errorz"
	"github.com/google/uuid"
	"github.com/kxapp-com/findmy-service/gsa"
	"howett.net/plist"
)

const (
	mobileMeDelegate = "com.apple.mobileme"
	iCloudHelperUA   = "com.apple.iCloudHelper/282 CFNetwork/1408.0.4 Darwin/22.5.0"
)

// MobileMe 委托登录拿到的 iCloud 凭证，获取位置报告使用 dsid:searchPartyToken 做 basic auth
type MobileMe struct {
	DSID             string `json:"dsid"`
	SearchPartyToken string `json:"searchPartyToken"`
}

type loginDelegatesRequest struct {
	AppleID   string                    `plist:"apple-id"`
	ClientID  string                    `plist:"client-id"`
	Delegates map[string]map[string]any `plist:"delegates"`
	Password  string                    `plist:"password"`
}

func (a *Account) loginMobileMe() error {
	pet := ""
	if a.info != nil {
		pet = a.info.Token(gsa.TokenIdmsPet)
	}
	if pet == "" {
		return fmt.Errorf("%w: no idms pet token", ErrInvalidState)
	}
	body, err := plist.Marshal(loginDelegatesRequest{
		AppleID:   a.username,
		ClientID:  uuid.NewString(),
		Delegates: map[string]map[string]any{mobileMeDelegate: {}},
		Password:  pet,
	}, plist.XMLFormat)
	if err != nil {
		return errorz.NewInternalError(err.Error())
	}
	data, err := a.provider.Fetch(a.uid, a.devid)
	if err != nil {
		return fmt.Errorf("fetch anisette: %w", err)
	}

	resp, err := a.rest.R().
		SetHeaders(data.Headers()).
		SetHeader("User-Agent", iCloudHelperUA).
		SetHeader("X-Apple-ADSID", a.info.Adsid).
		SetHeader("X-Mme-Client-Info", data.XMmeClientInfo).
		SetHeader("Content-Type", "text/plist").
		SetBasicAuth(a.username, pet).
		SetBody(body).
		Post(a.endpoints.LoginDelegates)
	if err != nil {
		return errorz.NewNetworkError(err)
	}
	if resp.StatusCode() != http.StatusOK {
		return &errorz.StatusError{Status: resp.StatusCode(), Body: "mobileme login: " + strings.TrimSpace(resp.String())}
	}

	mm, err := parseLoginDelegates(resp.Body())
	if err != nil {
		return err
	}
	a.mobileme = mm
	a.log.WithField("dsid", mm.DSID).Info("mobileme delegate login ok")
	return nil
}

/*
parseLoginDelegates 解析 loginDelegates 返回，dsid 可能是整数也可能是字符串
*/
func parseLoginDelegates(raw []byte) (*MobileMe, error) {
	var resp map[string]any
	if _, err := plist.Unmarshal(raw, &resp); err != nil {
		return nil, errorz.NewParseDataError(err)
	}
	if status := fmt.Sprint(resp["status"]); status != "0" {
		return nil, &errorz.StatusError{Status: http.StatusUnauthorized, Body: fmt.Sprintf("mobileme login status %s: %v", status, resp["status-message"])}
	}
	token, _ := lookup(resp, "delegates", mobileMeDelegate, "service-data", "tokens", "searchPartyToken").(string)
	if resp["dsid"] == nil || token == "" {
		return nil, errorz.NewParseDataError(fmt.Errorf("mobileme response missing dsid or searchPartyToken"))
	}
	return &MobileMe{DSID: fmt.Sprint(resp["dsid"]), SearchPartyToken: token}, nil
}

func lookup(m map[string]any, path ...string) any {
	var cur any = m
	for _, key := range path {
		next, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = next[key]
	}
	return cur
}
