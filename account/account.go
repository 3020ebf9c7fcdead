package account

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"gitee.com/kxapp/kxapp-common/httpz"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/kxapp-com/findmy-service/anisette"
	"github.com/kxapp-com/findmy-service/gsa"
	"github.com/kxapp-com/findmy-service/twofactor"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type LoginState int

const (
	LoggedOut LoginState = iota
	Require2FA
	Authenticated
	LoggedIn
)

func (s LoginState) String() string {
	switch s {
	case LoggedOut:
		return "LOGGED_OUT"
	case Require2FA:
		return "REQUIRE_2FA"
	case Authenticated:
		return "AUTHENTICATED"
	case LoggedIn:
		return "LOGGED_IN"
	}
	return fmt.Sprintf("LoginState(%d)", int(s))
}

var (
	ErrNotLoggedIn          = errors.New("account: not logged in")
	ErrSecondFactorRequired = errors.New("account: second factor required")
	ErrInvalidState         = errors.New("account: invalid login state")
)

const (
	DefaultLoginDelegatesURL = "https://setup.icloud.com/setup/iosbuddy/loginDelegates"
	DefaultFetchURL          = "https://gateway.icloud.com/acsnservice/fetch"
	DefaultFetchRate         = 2
	DefaultFetchBurst        = 4
)

// Endpoints 登录和获取报告用到的接口地址，测试的时候指向本地服务器
type Endpoints struct {
	GSA            string
	Auth           string
	LoginDelegates string
	Fetch          string
}

func DefaultEndpoints() Endpoints {
	return Endpoints{
		GSA:            gsa.DefaultURL,
		Auth:           twofactor.DefaultBaseURL,
		LoginDelegates: DefaultLoginDelegatesURL,
		Fetch:          DefaultFetchURL,
	}
}

type Option func(*Account)

func WithEndpoints(e Endpoints) Option {
	return func(a *Account) { a.endpoints = e }
}

func WithHTTPClient(c *http.Client) Option {
	return func(a *Account) { a.httpClient = c }
}

// WithFetchRate limits report gateway requests to r per second.
func WithFetchRate(r float64, burst int) Option {
	return func(a *Account) { a.limiter = rate.NewLimiter(rate.Limit(r), burst) }
}

func WithClock(now func() time.Time) Option {
	return func(a *Account) { a.now = now }
}

/*
Account 苹果账号的登录状态机
LoggedOut -> (密码校验) -> Require2FA -> (二次校验后重新登录) -> Authenticated -> (mobileme 委托登录) -> LoggedIn
*/
type Account struct {
	mu sync.Mutex

	provider   anisette.Provider
	endpoints  Endpoints
	httpClient *http.Client
	gsa        *gsa.Client
	fa2        *twofactor.Client
	rest       *resty.Client
	limiter    *rate.Limiter
	now        func() time.Time
	log        *log.Entry

	uid      string
	devid    string
	username string
	password string
	state    LoginState
	info     *gsa.ServerProvidedData
	mobileme *MobileMe
	// trustedDevicePush is set when the server offered a push to trusted devices
	trustedDevicePush bool
}

func New(provider anisette.Provider, opts ...Option) *Account {
	a := &Account{
		provider:  provider,
		endpoints: DefaultEndpoints(),
		limiter:   rate.NewLimiter(DefaultFetchRate, DefaultFetchBurst),
		now:       time.Now,
		uid:       strings.ToUpper(uuid.NewString()),
		devid:     strings.ToUpper(uuid.NewString()),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.httpClient == nil {
		a.httpClient = httpz.NewHttpClient(nil)
	}
	a.gsa = &gsa.Client{URL: a.endpoints.GSA, HttpClient: a.httpClient}
	a.fa2 = &twofactor.Client{BaseURL: a.endpoints.Auth, HttpClient: a.httpClient}
	a.rest = resty.NewWithClient(a.httpClient).SetTimeout(60 * time.Second)
	a.log = log.WithFields(log.Fields{"component": "account", "device": a.devid})
	return a
}

func (a *Account) State() LoginState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Account) Username() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.username
}

// Login 使用账号密码登录，返回登录后的状态。需要二次校验时返回 Require2FA 而不是错误
func (a *Account) Login(username, password string) (LoginState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.username = username
	a.password = password
	a.info = nil
	a.mobileme = nil
	a.state = LoggedOut
	return a.login()
}

func (a *Account) login() (LoginState, error) {
	if a.username == "" || a.password == "" {
		return a.state, fmt.Errorf("%w: missing credentials", ErrInvalidState)
	}
	data, err := a.provider.Fetch(a.uid, a.devid)
	if err != nil {
		return a.state, fmt.Errorf("fetch anisette: %w", err)
	}
	result, e := a.gsa.Authenticate(a.username, a.password, data)
	if e != nil {
		a.log.WithField("status", e.Status).Error("gsa authenticate failed ", e.Body)
		return a.state, fmt.Errorf("gsa authenticate: %w", e)
	}
	a.info = &result.SPD
	if result.NeedsSecondFactor() {
		a.trustedDevicePush = result.Status.AuthMode == gsa.AuthTrustedDeviceSecondary
		a.state = Require2FA
		a.log.Info("second factor required")
		return a.state, nil
	}
	a.state = Authenticated
	if err := a.loginMobileMe(); err != nil {
		return a.state, err
	}
	a.state = LoggedIn
	return a.state, nil
}

// SecondFactorMethods lists the ways the pending login can be confirmed, in server order.
func (a *Account) SecondFactorMethods() ([]twofactor.Method, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Require2FA {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, a.state)
	}
	headers, err := a.stepHeaders()
	if err != nil {
		return nil, err
	}
	data, err := a.fa2.AuthData(headers)
	if err != nil {
		return nil, fmt.Errorf("load second factor methods: %w", err)
	}
	return twofactor.Methods(data, a.trustedDevicePush, a), nil
}

func (a *Account) RequestSMS(phoneID int) error {
	return a.verifyStep(func(h map[string]string) error { return a.fa2.RequestSMS(h, phoneID) }, false)
}

func (a *Account) SubmitSMS(phoneID int, code string) error {
	return a.verifyStep(func(h map[string]string) error { return a.fa2.SubmitSMS(h, phoneID, code) }, true)
}

func (a *Account) RequestDeviceCode() error {
	return a.verifyStep(func(h map[string]string) error { return a.fa2.RequestDeviceCode(h) }, false)
}

func (a *Account) SubmitDeviceCode(code string) error {
	return a.verifyStep(func(h map[string]string) error { return a.fa2.SubmitDeviceCode(h, code) }, true)
}

/*
verifyStep 执行一次二次校验请求，校验码提交成功后用保存的账号密码重新登录拿到 pet token
*/
func (a *Account) verifyStep(step func(map[string]string) error, relogin bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Require2FA {
		return fmt.Errorf("%w: %s", ErrInvalidState, a.state)
	}
	headers, err := a.stepHeaders()
	if err != nil {
		return err
	}
	if err := step(headers); err != nil {
		return fmt.Errorf("second factor: %w", err)
	}
	if !relogin {
		return nil
	}
	state, err := a.login()
	if err != nil {
		return err
	}
	if state == Require2FA {
		return ErrSecondFactorRequired
	}
	return nil
}

func (a *Account) stepHeaders() (map[string]string, error) {
	if a.info == nil {
		return nil, fmt.Errorf("%w: no account info", ErrInvalidState)
	}
	data, err := a.provider.Fetch(a.uid, a.devid)
	if err != nil {
		return nil, fmt.Errorf("fetch anisette: %w", err)
	}
	return twofactor.StepHeaders(a.info.IdentityToken(), data), nil
}
