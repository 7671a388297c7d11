// Package smartconnect is a minimal Angel One SmartAPI REST client: session
// login (password + TOTP), profile and the position book.
//
// Usage example:
//
//	sc := smartconnect.NewSmartConnect(smartconnect.Config{APIKey: "your_api_key"})
//	if err := sc.LoginWithTOTP(ctx, "CLIENTID", "PASSWORD", "BASE32SECRET"); err != nil {
//		log.Fatal(err)
//	}
//	rows, err := sc.Positions(ctx)
package smartconnect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
)

// ---- Config & client ----

type Config struct {
	APIKey      string
	AccessToken string

	RootURL        string        // default: https://apiconnect.angelone.in
	Timeout        time.Duration // default: 7s
	Debug          bool
	UserType       string // default: USER
	SourceID       string // default: WEB
	ClientPublicIP string // default: 127.0.0.1
	ClientLocalIP  string // default: first non-loopback IPv4, else 127.0.0.1
	ClientMAC      string // default: first interface MAC

	HTTPClient *http.Client // optional; overrides Timeout
}

// SmartConnect is safe for concurrent use; token updates are serialised.
type SmartConnect struct {
	apiKey  string
	rootURL string
	debug   bool

	httpClient *http.Client

	userType       string
	sourceID       string
	clientPublicIP string
	clientLocalIP  string
	clientMAC      string

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	feedToken    string
	userID       string

	// Optional callback for 403 TokenException
	SessionExpiryHook func()
}

const defaultRoot = "https://apiconnect.angelone.in"

var (
	// ErrLoginFailed is returned when the login endpoint answers status=false.
	ErrLoginFailed = errors.New("smartapi login failed")
	// ErrTokenExpired is returned for TokenException responses.
	ErrTokenExpired = errors.New("smartapi token expired")
)

var routes = map[string]string{
	"api.login":        "/rest/auth/angelbroking/user/v1/loginByPassword",
	"api.logout":       "/rest/secure/angelbroking/user/v1/logout",
	"api.user.profile": "/rest/secure/angelbroking/user/v1/getProfile",
	"api.position":     "/rest/secure/angelbroking/order/v1/getPosition",
}

// GetLocalIP finds the first non-loopback IPv4 address.
func GetLocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, address := range addrs {
		if ipNet, ok := address.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String(), nil
			}
		}
	}
	return "", fmt.Errorf("no local IP found")
}

// NewSmartConnect initializes the client with header defaults.
func NewSmartConnect(cfg Config) *SmartConnect {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRoot
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 7 * time.Second
	}
	if cfg.UserType == "" {
		cfg.UserType = "USER"
	}
	if cfg.SourceID == "" {
		cfg.SourceID = "WEB"
	}
	if cfg.ClientLocalIP == "" {
		ip, err := GetLocalIP()
		if err != nil {
			ip = "127.0.0.1"
		}
		cfg.ClientLocalIP = ip
	}
	if cfg.ClientPublicIP == "" {
		cfg.ClientPublicIP = "127.0.0.1"
	}
	if cfg.ClientMAC == "" {
		cfg.ClientMAC = firstMAC()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &SmartConnect{
		apiKey:         cfg.APIKey,
		accessToken:    cfg.AccessToken,
		rootURL:        strings.TrimRight(cfg.RootURL, "/"),
		debug:          cfg.Debug,
		httpClient:     client,
		userType:       cfg.UserType,
		sourceID:       cfg.SourceID,
		clientPublicIP: cfg.ClientPublicIP,
		clientLocalIP:  cfg.ClientLocalIP,
		clientMAC:      cfg.ClientMAC,
	}
}

func firstMAC() string {
	ifs, _ := net.Interfaces()
	for _, ifc := range ifs {
		if len(ifc.HardwareAddr) > 0 {
			return ifc.HardwareAddr.String()
		}
	}
	return "00:11:22:33:44:55"
}

// ---- Helpers ----

func (sc *SmartConnect) requestHeaders() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("X-ClientLocalIP", sc.clientLocalIP)
	h.Set("X-ClientPublicIP", sc.clientPublicIP)
	h.Set("X-MACAddress", sc.clientMAC)
	h.Set("X-PrivateKey", sc.apiKey)
	h.Set("X-UserType", sc.userType)
	h.Set("X-SourceID", sc.sourceID)
	if tok := sc.AccessToken(); tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
	return h
}

func (sc *SmartConnect) doRequest(ctx context.Context, method, route string, params map[string]any) (map[string]any, error) {
	uri, ok := routes[route]
	if !ok {
		return nil, fmt.Errorf("unknown route: %s", route)
	}
	reqURL := sc.rootURL + uri

	var body io.Reader
	if method == http.MethodGet {
		if len(params) > 0 {
			q := url.Values{}
			for k, v := range params {
				q.Set(k, fmt.Sprint(v))
			}
			reqURL += "?" + q.Encode()
		}
	} else {
		if params == nil {
			params = map[string]any{}
		}
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode %s params: %w", route, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, err
	}
	req.Header = sc.requestHeaders()

	if sc.debug {
		log.Printf("[smartconnect] request: %s %s", method, reqURL)
	}

	resp, err := sc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, route, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", route, err)
	}

	if sc.debug {
		log.Printf("[smartconnect] response: code=%d body=%s", resp.StatusCode, raw)
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("couldn't parse %s response (HTTP %d): %w", route, resp.StatusCode, err)
	}

	// API error style: {"error_type": "TokenException", "message": "..."}
	if et, ok := out["error_type"].(string); ok && et != "" {
		msg, _ := out["message"].(string)
		if et == "TokenException" {
			if sc.SessionExpiryHook != nil && resp.StatusCode == http.StatusForbidden {
				sc.SessionExpiryHook()
			}
			return out, fmt.Errorf("%w: %s", ErrTokenExpired, msg)
		}
		return out, fmt.Errorf("%s: %s", et, msg)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return out, fmt.Errorf("%s %s: HTTP %d", method, route, resp.StatusCode)
	}
	return out, nil
}

// ---- Setters/Getters ----

func (sc *SmartConnect) AccessToken() string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.accessToken
}

func (sc *SmartConnect) FeedToken() string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.feedToken
}

func (sc *SmartConnect) UserID() string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.userID
}

func (sc *SmartConnect) setTokens(access, refresh, feed string) {
	sc.mu.Lock()
	sc.accessToken, sc.refreshToken, sc.feedToken = access, refresh, feed
	sc.mu.Unlock()
}

// ---- API Methods ----

// GenerateSession logs in with a one-time TOTP code, stores the session tokens
// and returns the user profile payload.
func (sc *SmartConnect) GenerateSession(ctx context.Context, clientCode, password, totpCode string) (map[string]any, error) {
	res, err := sc.doRequest(ctx, http.MethodPost, "api.login", map[string]any{
		"clientcode": clientCode,
		"password":   password,
		"totp":       totpCode,
	})
	if err != nil {
		return res, err
	}

	if st, _ := res["status"].(bool); !st {
		msg, _ := res["message"].(string)
		return res, fmt.Errorf("%w: %s", ErrLoginFailed, msg)
	}
	data, ok := res["data"].(map[string]any)
	if !ok {
		return res, errors.New("unexpected login response format")
	}

	jwtToken, _ := data["jwtToken"].(string)
	refreshToken, _ := data["refreshToken"].(string)
	feedToken, _ := data["feedToken"].(string)
	if jwtToken == "" {
		return res, fmt.Errorf("%w: empty jwtToken", ErrLoginFailed)
	}
	sc.setTokens(jwtToken, refreshToken, feedToken)

	user, err := sc.GetProfile(ctx, refreshToken)
	if err != nil {
		return user, err
	}
	if udata, ok := user["data"].(map[string]any); ok {
		if cc, _ := udata["clientcode"].(string); cc != "" {
			sc.mu.Lock()
			sc.userID = cc
			sc.mu.Unlock()
		}
	}
	return user, nil
}

// LoginWithTOTP generates the current TOTP code from secret and opens a session.
func (sc *SmartConnect) LoginWithTOTP(ctx context.Context, clientCode, password, secret string) error {
	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		return fmt.Errorf("totp: %w", err)
	}
	_, err = sc.GenerateSession(ctx, clientCode, password, code)
	return err
}

func (sc *SmartConnect) GetProfile(ctx context.Context, refreshToken string) (map[string]any, error) {
	return sc.doRequest(ctx, http.MethodGet, "api.user.profile", map[string]any{"refreshToken": refreshToken})
}

// TerminateSession logs clientCode out and drops the stored session tokens.
func (sc *SmartConnect) TerminateSession(ctx context.Context, clientCode string) error {
	if _, err := sc.doRequest(ctx, http.MethodPost, "api.logout", map[string]any{"clientcode": clientCode}); err != nil {
		return err
	}
	sc.setTokens("", "", "")
	return nil
}

// Positions returns the rows of the position book. An empty book comes back
// as "data": null and yields an empty slice.
func (sc *SmartConnect) Positions(ctx context.Context) ([]map[string]any, error) {
	res, err := sc.doRequest(ctx, http.MethodGet, "api.position", nil)
	if err != nil {
		return nil, err
	}
	if st, ok := res["status"].(bool); ok && !st {
		msg, _ := res["message"].(string)
		return nil, fmt.Errorf("getPosition: %s", msg)
	}

	items, _ := res["data"].([]any)
	rows := make([]map[string]any, 0, len(items))
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			rows = append(rows, m)
		}
	}
	return rows, nil
}
