package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"tickstream/internal/model"
	"tickstream/pkg/smartconnect"
)

// totpPeriod is the SmartAPI TOTP step.
const totpPeriod = 30 * time.Second

// Credentials are the broker login inputs.
type Credentials struct {
	APIKey     string
	ClientCode string
	Password   string
	TOTPSecret string
	RootURL    string
}

// Authenticator logs in to SmartAPI with a freshly generated TOTP.
type Authenticator struct {
	creds Credentials
	sc    *smartconnect.SmartConnect
	log   *zap.Logger

	now   model.Clock
	sleep func(ctx context.Context, d time.Duration) bool
}

func NewAuthenticator(creds Credentials, log *zap.Logger) *Authenticator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Authenticator{
		creds: creds,
		sc: smartconnect.NewSmartConnect(smartconnect.Config{
			APIKey:  creds.APIKey,
			RootURL: creds.RootURL,
			Logger:  log,
		}),
		log:   log.Named("auth"),
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// Login generates a TOTP and opens a session. A rejected login is retried
// once with the code of the next TOTP window.
func (a *Authenticator) Login(ctx context.Context) (*smartconnect.Session, error) {
	sess, err := a.login(ctx)
	if err == nil || !errors.Is(err, smartconnect.ErrLoginFailed) {
		return sess, err
	}

	now := a.now()
	wait := now.Truncate(totpPeriod).Add(totpPeriod + time.Second).Sub(now)
	a.log.Warn("login rejected, retrying with next TOTP window", zap.Duration("wait", wait), zap.Error(err))
	if !a.sleep(ctx, wait) {
		return nil, ctx.Err()
	}
	return a.login(ctx)
}

func (a *Authenticator) login(ctx context.Context) (*smartconnect.Session, error) {
	code, err := totp.GenerateCode(a.creds.TOTPSecret, a.now())
	if err != nil {
		return nil, fmt.Errorf("generate totp: %w", err)
	}
	sess, err := a.sc.GenerateSession(ctx, a.creds.ClientCode, a.creds.Password, code)
	if err != nil {
		return nil, err
	}
	if sess.FeedToken == "" {
		return nil, fmt.Errorf("%w: empty feed token", smartconnect.ErrLoginFailed)
	}
	a.log.Info("logged in", zap.String("client_code", sess.ClientCode), zap.String("name", sess.Name))
	return sess, nil
}

// Logout terminates the current session.
func (a *Authenticator) Logout(ctx context.Context) error {
	if a.sc.AccessToken() == "" {
		return nil
	}
	if err := a.sc.TerminateSession(ctx, a.creds.ClientCode); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	a.log.Info("logged out")
	return nil
}

// SpotPrice returns the last traded price of an underlying index. It matches
// instruments.SpotPriceFunc.
func (a *Authenticator) SpotPrice(ctx context.Context, idx model.Instrument) (float64, error) {
	return a.sc.LTPData(ctx, idx.Exchange, idx.TradingSymbol, strconv.FormatInt(idx.Token, 10))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
