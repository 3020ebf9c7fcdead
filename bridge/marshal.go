package bridge

import (
	"github.com/kxapp-com/findmy-service/account"
	"github.com/kxapp-com/findmy-service/twofactor"
)

type MethodType int

const (
	MethodUnknown MethodType = iota
	MethodTrustedDevice
	MethodPhone
)

// MethodDescriptor carries the method untouched so the host can later request and submit a code with it.
type MethodDescriptor struct {
	Type   MethodType       `json:"type"`
	Method twofactor.Method `json:"method"`
}

/*
LoginOutcome 登录结果
需要二次校验时 Methods 不为 nil（可能为空），其他状态 Methods 为 nil；失败时只有 Error
*/
type LoginOutcome struct {
	Account              Account            `json:"-"`
	LoginState           account.LoginState `json:"loginState"`
	RequiresSecondFactor bool               `json:"requiresSecondFactor"`
	Methods              []MethodDescriptor `json:"loginMethods"`
	Error                string             `json:"error,omitempty"`
}

func (o LoginOutcome) Failed() bool {
	return o.Error != ""
}

// Classify is total: nil, unknown or misbehaving methods come back as MethodUnknown.
func Classify(method twofactor.Method) (d MethodDescriptor) {
	d = MethodDescriptor{Type: MethodUnknown, Method: method}
	if method == nil {
		return d
	}
	defer func() {
		if r := recover(); r != nil {
			d.Type = MethodUnknown
		}
	}()
	switch method.Kind() {
	case twofactor.KindTrustedDevice:
		d.Type = MethodTrustedDevice
	case twofactor.KindSMS:
		d.Type = MethodPhone
	case twofactor.KindSyncedDevice:
		d.Type = MethodTrustedDevice
	}
	return d
}

// Item is one accessory in a batch. IDs are opaque; a repeated ID keeps its last result.
type Item struct {
	ID         string `json:"id"`
	Descriptor string `json:"descriptor"`
}

// ReportRecord is a location report as the host sees it. Missing timestamps are omitted, never zero.
type ReportRecord struct {
	PublishedAt        *int64  `json:"publishedAt,omitempty"`
	Description        string  `json:"description"`
	Timestamp          *int64  `json:"timestamp,omitempty"`
	Confidence         float64 `json:"confidence"`
	Latitude           float64 `json:"latitude"`
	Longitude          float64 `json:"longitude"`
	HorizontalAccuracy float64 `json:"horizontalAccuracy"`
	Status             string  `json:"status"`
}

// BatchResult has an entry for every input ID; values are never nil.
type BatchResult map[string][]ReportRecord
