// Package smartconnect is a client for the Angel One SmartAPI: the REST
// session endpoints used to authenticate a feed and the binary market data
// websocket.
//
// Usage:
//
//	sc := smartconnect.NewSmartConnect(smartconnect.Config{APIKey: "your_api_key"})
//	sess, err := sc.GenerateSession(ctx, "CLIENTID", "PIN", "TOTP")
//	ws, err := smartconnect.NewSmartWebSocketV2(smartconnect.WSConfig{
//	    AuthToken: sess.JWTToken, APIKey: "your_api_key",
//	    ClientCode: sess.ClientCode, FeedToken: sess.FeedToken,
//	})
package smartconnect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

var ErrLoginFailed = errors.New("smartconnect: login failed")

type Config struct {
	APIKey string

	RootURL        string        // default: https://apiconnect.angelone.in
	Timeout        time.Duration // default: 7s
	UserType       string        // default: USER
	SourceID       string        // default: WEB
	ClientPublicIP string        // default: 106.193.147.98
	ClientLocalIP  string        // default: first non-loopback IPv4, else 127.0.0.1
	ClientMAC      string        // default: first interface MAC
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

type SmartConnect struct {
	apiKey  string
	rootURL string

	httpClient *http.Client
	log        *zap.Logger

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

// Session holds the tokens returned by a successful login.
type Session struct {
	ClientCode   string
	Name         string
	JWTToken     string
	RefreshToken string
	FeedToken    string
}

const defaultRoot = "https://apiconnect.angelone.in"

var routes = map[string]string{
	"api.login":        "/rest/auth/angelbroking/user/v1/loginByPassword",
	"api.logout":       "/rest/secure/angelbroking/user/v1/logout",
	"api.user.profile": "/rest/secure/angelbroking/user/v1/getProfile",
	"api.ltp.data":     "/rest/secure/angelbroking/order/v1/getLtpData",
}

// apiResponse is the envelope every SmartAPI REST endpoint returns.
type apiResponse struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

// GetLocalIP finds your local IP address
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
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ClientLocalIP == "" {
		ip, err := GetLocalIP()
		if err != nil {
			cfg.Logger.Debug("local ip lookup failed", zap.Error(err))
		}
		cfg.ClientLocalIP = firstNonEmpty(ip, "127.0.0.1")
	}
	if cfg.ClientPublicIP == "" {
		cfg.ClientPublicIP = "106.193.147.98"
	}
	if cfg.ClientMAC == "" {
		cfg.ClientMAC = macAddress()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &SmartConnect{
		apiKey:         cfg.APIKey,
		rootURL:        strings.TrimRight(cfg.RootURL, "/"),
		httpClient:     client,
		log:            cfg.Logger,
		userType:       cfg.UserType,
		sourceID:       cfg.SourceID,
		clientPublicIP: cfg.ClientPublicIP,
		clientLocalIP:  cfg.ClientLocalIP,
		clientMAC:      cfg.ClientMAC,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func macAddress() string {
	ifs, _ := net.Interfaces()
	for _, ifc := range ifs {
		if len(ifc.HardwareAddr) > 0 {
			return ifc.HardwareAddr.String()
		}
	}
	return "00:11:22:33:44:55"
}

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

func (sc *SmartConnect) post(ctx context.Context, route string, params any) (*apiResponse, error) {
	uri, ok := routes[route]
	if !ok {
		return nil, fmt.Errorf("unknown route: %s", route)
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sc.rootURL+uri, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = sc.requestHeaders()

	resp, err := sc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", route, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	sc.log.Debug("smartapi response", zap.String("route", route), zap.Int("code", resp.StatusCode))

	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%s: couldn't parse JSON response (status %d): %w", route, resp.StatusCode, err)
	}
	if out.ErrorType != "" {
		if sc.SessionExpiryHook != nil && resp.StatusCode == http.StatusForbidden && out.ErrorType == "TokenException" {
			sc.SessionExpiryHook()
		}
		return &out, fmt.Errorf("%s: %s", out.ErrorType, out.Message)
	}
	if !out.Status {
		sc.log.Warn("api request failed",
			zap.String("route", route),
			zap.String("errorcode", out.ErrorCode),
			zap.String("message", out.Message))
	}
	return &out, nil
}

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

// GenerateSession logs in with client code, PIN and TOTP, stores the returned
// tokens on the client and fetches the profile.
func (sc *SmartConnect) GenerateSession(ctx context.Context, clientCode, password, totp string) (*Session, error) {
	sc.log.Info("generating session", zap.String("client_code", clientCode))
	res, err := sc.post(ctx, "api.login", map[string]string{
		"clientcode": clientCode,
		"password":   password,
		"totp":       totp,
	})
	if err != nil {
		return nil, err
	}
	if !res.Status {
		return nil, fmt.Errorf("%w: %s", ErrLoginFailed, res.Message)
	}

	var tokens struct {
		JWTToken     string `json:"jwtToken"`
		RefreshToken string `json:"refreshToken"`
		FeedToken    string `json:"feedToken"`
	}
	if err := json.Unmarshal(res.Data, &tokens); err != nil || tokens.JWTToken == "" {
		return nil, fmt.Errorf("%w: unexpected login response format", ErrLoginFailed)
	}

	sc.mu.Lock()
	sc.accessToken = tokens.JWTToken
	sc.refreshToken = tokens.RefreshToken
	sc.feedToken = tokens.FeedToken
	sc.mu.Unlock()

	sess := &Session{
		ClientCode:   clientCode,
		JWTToken:     tokens.JWTToken,
		RefreshToken: tokens.RefreshToken,
		FeedToken:    tokens.FeedToken,
	}

	profile, err := sc.GetProfile(ctx, tokens.RefreshToken)
	if err != nil {
		return nil, err
	}
	if profile.ClientCode != "" {
		sess.ClientCode = profile.ClientCode
	}
	sess.Name = profile.Name

	sc.mu.Lock()
	sc.userID = sess.ClientCode
	sc.mu.Unlock()
	return sess, nil
}

type Profile struct {
	ClientCode string   `json:"clientcode"`
	Name       string   `json:"name"`
	Email      string   `json:"email"`
	Exchanges  []string `json:"exchanges"`
}

func (sc *SmartConnect) GetProfile(ctx context.Context, refreshToken string) (*Profile, error) {
	res, err := sc.post(ctx, "api.user.profile", map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return nil, err
	}
	var p Profile
	if len(res.Data) > 0 && string(res.Data) != "null" {
		if err := json.Unmarshal(res.Data, &p); err != nil {
			return nil, fmt.Errorf("profile: %w", err)
		}
	}
	return &p, nil
}

func (sc *SmartConnect) TerminateSession(ctx context.Context, clientCode string) error {
	res, err := sc.post(ctx, "api.logout", map[string]string{"clientcode": clientCode})
	if err != nil {
		return err
	}
	if !res.Status {
		return fmt.Errorf("logout: %s", res.Message)
	}
	sc.mu.Lock()
	sc.accessToken, sc.refreshToken, sc.feedToken = "", "", ""
	sc.mu.Unlock()
	return nil
}

// LTPData returns the last traded price of a single instrument in rupees.
func (sc *SmartConnect) LTPData(ctx context.Context, exchange, tradingSymbol, token string) (float64, error) {
	res, err := sc.post(ctx, "api.ltp.data", map[string]string{
		"exchange":      exchange,
		"tradingsymbol": tradingSymbol,
		"symboltoken":   token,
	})
	if err != nil {
		return 0, err
	}
	if !res.Status {
		return 0, fmt.Errorf("ltp %s: %s", tradingSymbol, res.Message)
	}
	var data struct {
		LTP float64 `json:"ltp"`
	}
	if err := json.Unmarshal(res.Data, &data); err != nil {
		return 0, fmt.Errorf("ltp %s: %w", tradingSymbol, err)
	}
	return data.LTP, nil
}
