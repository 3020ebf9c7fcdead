package bridge

import (
	"fmt"
	"runtime/debug"
	"slices"
	"strconv"
	"time"

	"github.com/kxapp-com/findmy-service/accessory"
	"github.com/kxapp-com/findmy-service/report"
)

type fetchFunc func(acc accessory.Accessory) ([]*report.LocationReport, error)

// FetchRecent fetches the last hoursBack hours. The window is fixed once for the whole batch.
func (b *Bridge) FetchRecent(session Account, items []Item, hoursBack int) BatchResult {
	end := b.now()
	start := end.Add(-time.Duration(hoursBack) * time.Hour)
	return b.fetch(session, items, func(acc accessory.Accessory) ([]*report.LocationReport, error) {
		return session.FetchReports(acc, start, end)
	})
}

func (b *Bridge) FetchRange(session Account, items []Item, startMs, endMs int64) BatchResult {
	start := time.UnixMilli(startMs).UTC()
	end := time.UnixMilli(endMs).UTC()
	return b.fetch(session, items, func(acc accessory.Accessory) ([]*report.LocationReport, error) {
		return session.FetchReports(acc, start, end)
	})
}

/*
fetch 逐个处理配件，单个配件的错误或panic只让它的结果为空；批量级别的panic返回已经拿到的部分结果
*/
func (b *Bridge) fetch(session Account, items []Item, fetch fetchFunc) (result BatchResult) {
	result = make(BatchResult, len(items))
	logger := b.logger()
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("batch fetch aborted\n", string(debug.Stack()))
		}
	}()
	for _, item := range items {
		entry := logger.WithField("beaconId", item.ID)
		records, err := b.fetchItem(session, item, fetch)
		if err != nil {
			entry.WithError(err).Error("fetch reports failed")
			records = []ReportRecord{}
		} else {
			entry.WithField("reports", len(records)).Debug("fetched reports")
		}
		result[item.ID] = records
	}
	return result
}

func (b *Bridge) fetchItem(session Account, item Item, fetch fetchFunc) (records []ReportRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	if session == nil {
		return nil, errNilSession
	}
	acc, err := b.decode(item.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}
	reports, err := fetch(acc)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	sorted := slices.DeleteFunc(slices.Clone(reports), func(r *report.LocationReport) bool { return r == nil })
	slices.SortStableFunc(sorted, report.Compare)

	records = make([]ReportRecord, 0, len(sorted))
	for _, r := range sorted {
		records = append(records, toRecord(r))
	}
	return records, nil
}

func toRecord(r *report.LocationReport) ReportRecord {
	return ReportRecord{
		PublishedAt:        millis(r.PublishedAt),
		Description:        r.Description,
		Timestamp:          millis(r.Timestamp),
		Confidence:         float64(r.Confidence),
		Latitude:           r.Latitude,
		Longitude:          r.Longitude,
		HorizontalAccuracy: float64(r.HorizontalAccuracy),
		Status:             strconv.Itoa(r.Status),
	}
}

func millis(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}
