package twofactor

// Kind is what the collaborator knows about a method. Hosts map it to their own tags.
type Kind int

const (
	KindUnknown Kind = iota
	KindTrustedDevice
	KindSMS
	KindSyncedDevice
)

func (k Kind) String() string {
	switch k {
	case KindTrustedDevice:
		return "trusted_device"
	case KindSMS:
		return "sms"
	case KindSyncedDevice:
		return "synced_device"
	}
	return "unknown"
}

// Method is one way to satisfy the second factor.
type Method interface {
	Kind() Kind
	// Request asks the service to deliver a code through this method.
	Request() error
	// Submit verifies the code; on success the bound account re-authenticates.
	Submit(code string) error
}

// Verifier is implemented by the account that produced the methods.
type Verifier interface {
	RequestSMS(phoneID int) error
	SubmitSMS(phoneID int, code string) error
	RequestDeviceCode() error
	SubmitDeviceCode(code string) error
}

// TrustedDeviceMethod pushes a code to every trusted device of the account.
type TrustedDeviceMethod struct {
	v Verifier
}

func NewTrustedDeviceMethod(v Verifier) *TrustedDeviceMethod {
	return &TrustedDeviceMethod{v: v}
}

func (m *TrustedDeviceMethod) Kind() Kind               { return KindTrustedDevice }
func (m *TrustedDeviceMethod) Request() error           { return m.v.RequestDeviceCode() }
func (m *TrustedDeviceMethod) Submit(code string) error { return m.v.SubmitDeviceCode(normalizeCode(code)) }

// SmsMethod sends a code to one trusted phone number.
type SmsMethod struct {
	PhoneID     int    `json:"phoneId"`
	PhoneNumber string `json:"phoneNumber"`
	v           Verifier
}

func NewSmsMethod(v Verifier, phoneID int, phoneNumber string) *SmsMethod {
	return &SmsMethod{PhoneID: phoneID, PhoneNumber: phoneNumber, v: v}
}

func (m *SmsMethod) Kind() Kind               { return KindSMS }
func (m *SmsMethod) Request() error           { return m.v.RequestSMS(m.PhoneID) }
func (m *SmsMethod) Submit(code string) error { return m.v.SubmitSMS(m.PhoneID, normalizeCode(code)) }

// SyncedDeviceMethod is a single device from the trusted device list, verified through the device code endpoint.
type SyncedDeviceMethod struct {
	DeviceID int    `json:"deviceId"`
	Name     string `json:"name"`
	v        Verifier
}

func NewSyncedDeviceMethod(v Verifier, deviceID int, name string) *SyncedDeviceMethod {
	return &SyncedDeviceMethod{DeviceID: deviceID, Name: name, v: v}
}

func (m *SyncedDeviceMethod) Kind() Kind               { return KindSyncedDevice }
func (m *SyncedDeviceMethod) Request() error           { return m.v.RequestDeviceCode() }
func (m *SyncedDeviceMethod) Submit(code string) error { return m.v.SubmitDeviceCode(normalizeCode(code)) }

/*
Methods 按照 trusted device, 短信, 设备列表 的顺序列出可用的二次校验方式
*/
func Methods(data *AuthData, trustedDevicePush bool, v Verifier) []Method {
	methods := make([]Method, 0)
	if trustedDevicePush {
		methods = append(methods, NewTrustedDeviceMethod(v))
	}
	if data == nil {
		return methods
	}
	for _, p := range data.TrustedPhoneNumbers {
		methods = append(methods, NewSmsMethod(v, p.ID, p.DisplayNumber()))
	}
	for _, d := range data.TrustedDevices {
		methods = append(methods, NewSyncedDeviceMethod(v, d.ID, d.Name))
	}
	return methods
}
