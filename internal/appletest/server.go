// Package appletest is an in-process stand-in for the Apple endpoints the account talks to:
// anisette, GrandSlam SRP, second factor, MobileMe delegates and the report gateway.
package appletest

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/kxapp-com/findmy-service/accessory"
	"github.com/kxapp-com/findmy-service/report"
	"github.com/kxapp-com/findmy-service/srp"
	"howett.net/plist"
)

const (
	PathAnisette       = "/anisette"
	PathGSA            = "/grandslam/GsService2"
	PathAuth           = "/auth"
	PathLoginDelegates = "/setup/iosbuddy/loginDelegates"
	PathFetch          = "/acsnservice/fetch"
)

const (
	ErrorCodeBadCredentials = -20101
	PetToken                = "PET-TOKEN"
	IdmsToken               = "IDMS-TOKEN"
	ADSID                   = "000123-05-0a1b2c3d"
	DSID                    = 20240601
	SearchPartyToken        = "SEARCH-PARTY-TOKEN"
	PhoneID                 = 1
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Report is one stored sighting, keyed by the hashed advertisement key of its target.
type Report struct {
	HashedAdvKey  string
	DatePublished time.Time
	Payload       []byte
	Description   string
}

// FetchRequest is the body the report gateway received.
type FetchRequest struct {
	Search []struct {
		StartDate int64    `json:"startDate"`
		EndDate   int64    `json:"endDate"`
		IDs       []string `json:"ids"`
	} `json:"search"`
}

type srpSession struct {
	username string
	A, B, b  *big.Int
	verifier *big.Int
}

type Server struct {
	*httptest.Server

	Username   string
	Password   string
	Salt       []byte
	Iterations int
	Protocol   string
	// Require2FA makes GrandSlam ask for a second factor until a code is verified.
	Require2FA bool
	Code       string
	// FetchStatus, when set, is returned by the report gateway instead of results.
	FetchStatus int

	mu            sync.Mutex
	verified      bool
	sessions      map[string]*srpSession
	reports       []Report
	fetches       []FetchRequest
	codesSent     int
	anisetteCalls int
}

func NewServer() *Server {
	s := &Server{
		Username:   "user@example.com",
		Password:   "hunter2",
		Salt:       []byte("appletest-salt"),
		Iterations: 1000,
		Protocol:   "s2k",
		Code:       "123456",
		sessions:   map[string]*srpSession{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(PathAnisette, s.handleAnisette)
	mux.HandleFunc(PathGSA, s.handleGSA)
	mux.HandleFunc(PathAuth, s.handleAuthData)
	mux.HandleFunc(PathAuth+"/verify/phone", s.handleRequestCode)
	mux.HandleFunc(PathAuth+"/verify/phone/securitycode", s.handleVerify)
	mux.HandleFunc(PathAuth+"/verify/trusteddevice/securitycode", s.handleDeviceCode)
	mux.HandleFunc(PathLoginDelegates, s.handleLoginDelegates)
	mux.HandleFunc(PathFetch, s.handleFetch)
	s.Server = httptest.NewServer(mux)
	return s
}

func (s *Server) AnisetteURL() string       { return s.URL + PathAnisette }
func (s *Server) GSAURL() string            { return s.URL + PathGSA }
func (s *Server) AuthURL() string           { return s.URL + PathAuth }
func (s *Server) LoginDelegatesURL() string { return s.URL + PathLoginDelegates }
func (s *Server) FetchURL() string          { return s.URL + PathFetch }

// IdentityToken is the X-Apple-Identity-Token the second factor endpoints accept.
func IdentityToken() string {
	return base64.StdEncoding.EncodeToString([]byte(ADSID + ":" + IdmsToken))
}

// AddReport seals a sighting for key so the gateway can serve it.
func (s *Server) AddReport(key *accessory.KeyPair, ts, published time.Time, lat, lon float64) error {
	eph, err := accessory.GenerateKeyPair()
	if err != nil {
		return err
	}
	payload, err := report.Seal(eph, key.PublicBytes(), ts, 2, lat, lon, 50, 0)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, Report{HashedAdvKey: key.HashedAdvKeyB64(), DatePublished: published, Payload: payload})
	return nil
}

func (s *Server) Fetches() []FetchRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FetchRequest(nil), s.fetches...)
}

func (s *Server) CodesSent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codesSent
}

func (s *Server) AnisetteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anisetteCalls
}

func (s *Server) handleAnisette(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.anisetteCalls++
	n := s.anisetteCalls
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{
		"X-Apple-I-MD":   fmt.Sprintf("md-%d", n),
		"X-Apple-I-MD-M": "md-m",
	})
}

type gsaRequest struct {
	Request struct {
		A2K       []byte `plist:"A2k"`
		M1        []byte `plist:"M1"`
		Operation string `plist:"o"`
		UserName  string `plist:"u"`
		Cookie    string `plist:"c"`
	} `plist:"Request"`
}

func (s *Server) handleGSA(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req gsaRequest
	if _, err := plist.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch req.Request.Operation {
	case "init":
		s.gsaInit(w, req)
	case "complete":
		s.gsaComplete(w, req)
	default:
		writeGSA(w, gsaStatus(-1, "unknown operation", ""), nil)
	}
}

func (s *Server) gsaInit(w http.ResponseWriter, req gsaRequest) {
	p := srp.Param2048
	hashed := srp.HashPassword(s.Password, s.Salt, s.Iterations, s.Protocol == "s2k_fo")
	v := new(big.Int).SetBytes(p.Verifier(s.Salt, []byte(s.Username), hashed))

	bBytes := make([]byte, 32)
	_, _ = rand.Read(bBytes)
	b := new(big.Int).SetBytes(bBytes)
	B := new(big.Int).Mul(p.Multiplier(), v)
	B.Add(B, new(big.Int).Exp(p.G, b, p.N))
	B.Mod(B, p.N)

	cookie := base64.StdEncoding.EncodeToString(bBytes[:12])
	s.mu.Lock()
	s.sessions[cookie] = &srpSession{username: req.Request.UserName, A: new(big.Int).SetBytes(req.Request.A2K), B: B, b: b, verifier: v}
	s.mu.Unlock()

	writeGSA(w, gsaStatus(0, "", ""), map[string]any{
		"i":  s.Iterations,
		"s":  s.Salt,
		"sp": s.Protocol,
		"c":  cookie,
		"B":  p.Pad(B),
	})
}

func (s *Server) gsaComplete(w http.ResponseWriter, req gsaRequest) {
	p := srp.Param2048
	s.mu.Lock()
	sess := s.sessions[req.Request.Cookie]
	delete(s.sessions, req.Request.Cookie)
	pending2FA := s.Require2FA && !s.verified
	s.mu.Unlock()
	if sess == nil {
		writeGSA(w, gsaStatus(-1, "unknown cookie", ""), nil)
		return
	}

	u := p.Scrambler(sess.A, sess.B)
	base := new(big.Int).Exp(sess.verifier, u, p.N)
	base.Mul(base, sess.A)
	base.Mod(base, p.N)
	K := p.SessionKey(p.Pad(new(big.Int).Exp(base, sess.b, p.N)))
	A := p.Pad(sess.A)
	m1 := p.M1([]byte(sess.username), s.Salt, A, p.Pad(sess.B), K)
	if sess.username != s.Username || !hmac.Equal(m1, req.Request.M1) {
		writeGSA(w, gsaStatus(ErrorCodeBadCredentials, "Your Apple ID or password was entered incorrectly.", ""), nil)
		return
	}

	info := map[string]any{
		"adsid":        ADSID,
		"GsIdmsToken":  IdmsToken,
		"DsPrsId":      DSID,
		"acname":       s.Username,
		"fn":           "Test",
		"ln":           "User",
		"primaryEmail": s.Username,
	}
	authMode := ""
	if pending2FA {
		authMode = "trustedDeviceSecondaryAuth"
	} else {
		info["t"] = map[string]any{
			"com.apple.gs.idms.pet": map[string]any{"token": PetToken, "duration": 300, "expiry": time.Now().Add(5 * time.Minute).UnixMilli()},
		}
	}
	raw, err := plist.Marshal(info, plist.XMLFormat)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	spd, err := EncryptSPD(raw, K)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeGSA(w, gsaStatus(0, "", authMode), map[string]any{
		"M2":  p.M2(A, m1, K),
		"spd": spd,
	})
}

func gsaStatus(ec int, em, au string) map[string]any {
	status := map[string]any{"hsc": 200, "ec": ec, "em": em}
	if ec != 0 {
		status["hsc"] = 401
	}
	if au != "" {
		status["au"] = au
	}
	return status
}

func writeGSA(w http.ResponseWriter, status map[string]any, fields map[string]any) {
	resp := map[string]any{"Status": status}
	for k, v := range fields {
		resp[k] = v
	}
	body, err := plist.Marshal(map[string]any{"Response": resp}, plist.XMLFormat)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/x-xml-plist")
	_, _ = w.Write(body)
}

// EncryptSPD is the server half of the spd exchange: AES-CBC keyed from the SRP session key.
func EncryptSPD(plain, sessionKey []byte) ([]byte, error) {
	mac := func(name string) []byte {
		h := hmac.New(sha256.New, sessionKey)
		h.Write([]byte(name))
		return h.Sum(nil)
	}
	block, err := aes.NewCipher(mac("extra data key:"))
	if err != nil {
		return nil, err
	}
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte{}, plain...), make([]byte, pad)...)
	for i := len(plain); i < len(padded); i++ {
		padded[i] = byte(pad)
	}
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, mac("extra data iv:")[:aes.BlockSize]).CryptBlocks(out, padded)
	return out, nil
}

func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("X-Apple-Identity-Token") != IdentityToken() {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"serviceErrors": []map[string]string{{"code": "-20209", "message": "Invalid identity token."}},
		})
		return false
	}
	return true
}

func (s *Server) handleAuthData(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trustedPhoneNumbers": []map[string]any{{"id": PhoneID, "numberWithDialCode": "+1 (•••) •••-••55", "pushMode": "sms"}},
		"securityCode":        map[string]any{"length": len(s.Code)},
		"mode":                "sms",
	})
}

func (s *Server) handleRequestCode(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	s.mu.Lock()
	s.codesSent++
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"securityCode": map[string]any{"length": len(s.Code)}})
}

func (s *Server) handleDeviceCode(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPut {
		s.handleRequestCode(w, r)
		return
	}
	s.handleVerify(w, r)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	var body struct {
		SecurityCode struct {
			Code string `json:"code"`
		} `json:"securityCode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SecurityCode.Code != s.Code {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"serviceErrors": []map[string]string{{"code": "-21669", "message": "Incorrect verification code."}},
		})
		return
	}
	s.mu.Lock()
	s.verified = true
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleLoginDelegates(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != s.Username || pass != PetToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	body, _ := io.ReadAll(r.Body)
	var req struct {
		AppleID   string                    `plist:"apple-id"`
		Delegates map[string]map[string]any `plist:"delegates"`
	}
	if _, err := plist.Unmarshal(body, &req); err != nil || req.AppleID != s.Username {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	resp := map[string]any{
		"status": 0,
		"dsid":   DSID,
		"delegates": map[string]any{
			"com.apple.mobileme": map[string]any{
				"status": 0,
				"service-data": map[string]any{
					"tokens": map[string]any{"searchPartyToken": SearchPartyToken},
				},
			},
		},
	}
	out, _ := plist.Marshal(resp, plist.XMLFormat)
	w.Header().Set("Content-Type", "text/plist")
	_, _ = w.Write(out)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != strconv.Itoa(DSID) || pass != SearchPartyToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	var req FetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches = append(s.fetches, req)
	if s.FetchStatus != 0 {
		w.WriteHeader(s.FetchStatus)
		return
	}

	results := make([]map[string]any, 0)
	for _, search := range req.Search {
		ids := make(map[string]bool, len(search.IDs))
		for _, id := range search.IDs {
			ids[id] = true
		}
		for _, rep := range s.reports {
			published := rep.DatePublished.UnixMilli()
			if !ids[rep.HashedAdvKey] || published < search.StartDate || published > search.EndDate {
				continue
			}
			results = append(results, map[string]any{
				"id":            rep.HashedAdvKey,
				"datePublished": published,
				"payload":       base64.StdEncoding.EncodeToString(rep.Payload),
				"description":   rep.Description,
				"statusCode":    0,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "statusCode": "200"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
