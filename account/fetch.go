package account

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"slices"
	"time"

	"gitee.com/kxapp/kxapp-common/errorz"
	jsoniter "github.com/json-iterator/go"
	"github.com/kxapp-com/findmy-service/accessory"
	"github.com/kxapp-com/findmy-service/report"
	log "github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// 网关一次请求最多带的 id 数量
const fetchChunkSize = 256

type fetchSearch struct {
	StartDate int64    `json:"startDate"`
	EndDate   int64    `json:"endDate"`
	IDs       []string `json:"ids"`
}

type fetchRequest struct {
	Search []fetchSearch `json:"search"`
}

type fetchResult struct {
	ID            string `json:"id"`
	DatePublished int64  `json:"datePublished"`
	Payload       string `json:"payload"`
	Description   string `json:"description"`
	StatusCode    int    `json:"statusCode"`
}

type fetchResponse struct {
	Results []fetchResult `json:"results"`
}

// FetchLastReports fetches the reports of the last hours, ending now.
func (a *Account) FetchLastReports(acc accessory.Accessory, hours int) ([]*report.LocationReport, error) {
	end := a.now()
	return a.FetchReports(acc, end.Add(-time.Duration(hours)*time.Hour), end)
}

/*
FetchReports 获取配件在时间范围内的位置报告，按观测时间排序
无法解密的报告会被跳过
*/
func (a *Account) FetchReports(acc accessory.Accessory, start, end time.Time) ([]*report.LocationReport, error) {
	a.mu.Lock()
	state, mm := a.state, a.mobileme
	fc := fetchContext{mm: mm, uid: a.uid, devid: a.devid, log: a.log}
	a.mu.Unlock()
	if state != LoggedIn || mm == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotLoggedIn, state)
	}
	if acc == nil {
		return nil, fmt.Errorf("%w: nil accessory", accessory.ErrInvalidDescriptor)
	}

	keys := make(map[string]*accessory.KeyPair)
	ids := make([]string, 0)
	for _, key := range accessory.KeysBetween(acc, start, end) {
		id := key.HashedAdvKeyB64()
		if _, ok := keys[id]; !ok {
			keys[id] = key
			ids = append(ids, id)
		}
	}

	reports := make([]*report.LocationReport, 0)
	for chunk := range slices.Chunk(ids, fetchChunkSize) {
		results, err := a.fetchChunk(fc, chunk, start, end)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			key := keys[r.ID]
			if key == nil {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(r.Payload)
			if err != nil {
				fc.log.WithField("id", r.ID).Warn("skip report with bad payload encoding")
				continue
			}
			loc, err := report.Decrypt(key, payload, time.UnixMilli(r.DatePublished).UTC(), r.Description)
			if err != nil {
				fc.log.WithField("id", r.ID).WithError(err).Warn("skip undecryptable report")
				continue
			}
			reports = append(reports, loc)
		}
	}
	slices.SortStableFunc(reports, report.Compare)
	return reports, nil
}

// fetchContext is the account state a fetch needs, copied under the lock so Restore can run concurrently.
type fetchContext struct {
	mm         *MobileMe
	uid, devid string
	log        *log.Entry
}

func (a *Account) fetchChunk(fc fetchContext, ids []string, start, end time.Time) ([]fetchResult, error) {
	if err := a.limiter.Wait(context.Background()); err != nil {
		return nil, err
	}
	body, err := json.Marshal(fetchRequest{Search: []fetchSearch{{
		StartDate: start.UnixMilli(),
		EndDate:   end.UnixMilli(),
		IDs:       ids,
	}}})
	if err != nil {
		return nil, errorz.NewInternalError(err.Error())
	}
	data, err := a.provider.Fetch(fc.uid, fc.devid)
	if err != nil {
		return nil, fmt.Errorf("fetch anisette: %w", err)
	}

	var out fetchResponse
	resp, err := a.rest.R().
		SetHeaders(data.Headers()).
		SetHeader("Content-Type", "application/json").
		SetBasicAuth(fc.mm.DSID, fc.mm.SearchPartyToken).
		SetBody(body).
		Post(a.endpoints.Fetch)
	if err != nil {
		return nil, errorz.NewNetworkError(err)
	}
	if resp.StatusCode() != http.StatusOK {
		fc.log.WithField("status", resp.StatusCode()).Error("report fetch rejected")
		return nil, &errorz.StatusError{Status: resp.StatusCode(), Body: "report fetch failed: " + resp.Status()}
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, errorz.NewParseDataError(err)
	}
	return out.Results, nil
}
