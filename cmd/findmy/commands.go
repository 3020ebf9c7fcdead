package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/kxapp-com/findmy-service/account"
	"github.com/kxapp-com/findmy-service/bridge"
	"github.com/kxapp-com/findmy-service/config"
	"github.com/kxapp-com/findmy-service/manager"
	"github.com/kxapp-com/findmy-service/storage"
	"github.com/kxapp-com/findmy-service/twofactor"
	log "github.com/sirupsen/logrus"
)

type app struct {
	cfg    *config.Config
	store  *storage.Store
	bridge *bridge.Bridge
	cache  *manager.SessionManager[manager.Session]
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	cfg.SetupLogging()
	return &app{
		cfg:    cfg,
		store:  storage.New(cfg.SessionDir, cfg.SessionPassword),
		bridge: bridge.New(account.WithFetchRate(cfg.FetchRate, cfg.FetchBurst)),
		cache:  manager.GetSessionManager(),
	}, nil
}

func (a *app) session(email string) (bridge.Account, error) {
	s, ok := a.cache.LoadOrRestore(email, a.store.Load, func(text string) (manager.Session, bool) {
		return a.bridge.RestoreSession(text, a.cfg.AnisetteURL)
	})
	if !ok {
		return nil, fmt.Errorf("no usable session for %s, run findmy login first", email)
	}
	acc, ok := s.(bridge.Account)
	if !ok {
		return nil, fmt.Errorf("cached session for %s has unexpected type %T", email, s)
	}
	return acc, nil
}

func (a *app) save(acc bridge.Account) error {
	text, err := a.bridge.ExportSession(acc)
	if err != nil {
		return err
	}
	if err := a.store.Save(acc.Username(), text); err != nil {
		return err
	}
	a.cache.Put(acc)
	return nil
}

func runLogin(args []string, in io.Reader, out, errOut io.Writer) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(errOut)
	configPath := fs.String("config", "", "Path to configuration file")
	email := fs.String("email", "", "Apple ID")
	password := fs.String("password", "", "Apple ID password, defaults to $FINDMY_PASSWORD")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *password == "" {
		*password = os.Getenv("FINDMY_PASSWORD")
	}
	if *email == "" || *password == "" {
		return errors.New("login requires -email and -password")
	}
	a, err := newApp(*configPath)
	if err != nil {
		return err
	}

	outcome := a.bridge.Login(*email, *password, a.cfg.AnisetteURL)
	if outcome.Failed() {
		return errors.New(outcome.Error)
	}
	if outcome.RequiresSecondFactor {
		if err := completeSecondFactor(outcome.Methods, bufio.NewReader(in), out); err != nil {
			return err
		}
	}
	if state := outcome.Account.State(); state != account.LoggedIn {
		return fmt.Errorf("login ended in state %s", state)
	}
	if err := a.save(outcome.Account); err != nil {
		return err
	}
	fmt.Fprintf(out, "logged in as %s\n", *email)
	return nil
}

/*
completeSecondFactor 让用户选一种二次校验方式，发送验证码并提交
*/
func completeSecondFactor(methods []bridge.MethodDescriptor, in *bufio.Reader, out io.Writer) error {
	if len(methods) == 0 {
		return errors.New("second factor required but the account has no trusted devices or phone numbers")
	}
	for i, m := range methods {
		fmt.Fprintf(out, "%d) %s\n", i+1, describeMethod(m))
	}
	fmt.Fprint(out, "method: ")
	choice, err := readLine(in)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(choice)
	if err != nil || n < 1 || n > len(methods) {
		return fmt.Errorf("invalid method %q", choice)
	}
	method := methods[n-1].Method
	if err := method.Request(); err != nil {
		return err
	}
	fmt.Fprint(out, "code: ")
	code, err := readLine(in)
	if err != nil {
		return err
	}
	return method.Submit(code)
}

func describeMethod(m bridge.MethodDescriptor) string {
	switch v := m.Method.(type) {
	case nil:
		return "unknown"
	case *twofactor.SmsMethod:
		return "sms " + v.PhoneNumber
	case *twofactor.SyncedDeviceMethod:
		return "device " + v.Name
	}
	return m.Method.Kind().String()
}

func readLine(in *bufio.Reader) (string, error) {
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func runReports(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("reports", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	email := fs.String("email", "", "Apple ID of a stored session")
	hours := fs.Int("hours", 0, "Hours back, defaults to hours_back from the config")
	start := fs.Int64("start", 0, "Range start in epoch milliseconds")
	end := fs.Int64("end", 0, "Range end in epoch milliseconds, defaults to now")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" {
		return errors.New("reports requires -email")
	}
	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	items := loadItems(a.cfg.Accessories)
	acc, err := a.session(*email)
	if err != nil {
		return err
	}

	var result bridge.BatchResult
	if *start > 0 {
		if *end == 0 {
			*end = time.Now().UnixMilli()
		}
		result = a.bridge.FetchRange(acc, items, *start, *end)
	} else {
		if *hours <= 0 {
			*hours = a.cfg.HoursBack
		}
		result = a.bridge.FetchRecent(acc, items, *hours)
	}
	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// loadItems reads every configured accessory plist, in identifier order.
func loadItems(accessories map[string]string) []bridge.Item {
	ids := make([]string, 0, len(accessories))
	for id := range accessories {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	items := make([]bridge.Item, 0, len(ids))
	for _, id := range ids {
		raw, err := os.ReadFile(accessories[id])
		if err != nil {
			log.WithField("beaconId", id).WithError(err).Warn("accessory file unreadable, reports will be empty")
		}
		items = append(items, bridge.Item{ID: id, Descriptor: string(raw)})
	}
	return items
}

func runLogout(args []string) error {
	fs := flag.NewFlagSet("logout", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	email := fs.String("email", "", "Apple ID of a stored session")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	a.cache.Remove(*email)
	return a.store.Remove(*email)
}
