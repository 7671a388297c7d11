package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"trading-dashboard/pkg/smartconnect"
)

// Broker is the part of the SmartAPI client the Angel source needs.
type Broker interface {
	LoginWithTOTP(ctx context.Context, clientCode, password, secret string) error
	Positions(ctx context.Context) ([]map[string]any, error)
	TerminateSession(ctx context.Context, clientCode string) error
}

// AngelCredentials are the SmartAPI login inputs.
type AngelCredentials struct {
	ClientCode string
	Password   string
	TOTPSecret string
}

// AngelSource reads the position book from Angel One SmartAPI. It logs in on
// first use and logs in again once when the session token has expired.
type AngelSource struct {
	broker Broker
	creds  AngelCredentials

	mu       sync.Mutex
	loggedIn bool
}

// NewAngelSource wraps broker.
func NewAngelSource(broker Broker, creds AngelCredentials) *AngelSource {
	return &AngelSource{broker: broker, creds: creds}
}

// Name identifies the source in logs and metrics.
func (a *AngelSource) Name() string { return "angel" }

// Fetch returns the raw position book rows.
func (a *AngelSource) Fetch(ctx context.Context) ([]map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ensureLogin(ctx); err != nil {
		return nil, err
	}

	rows, err := a.broker.Positions(ctx)
	if errors.Is(err, smartconnect.ErrTokenExpired) {
		slog.Info("smartapi session expired, logging in again")
		a.loggedIn = false
		if err := a.ensureLogin(ctx); err != nil {
			return nil, err
		}
		rows, err = a.broker.Positions(ctx)
	}
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (a *AngelSource) ensureLogin(ctx context.Context) error {
	if a.loggedIn {
		return nil
	}
	if err := a.broker.LoginWithTOTP(ctx, a.creds.ClientCode, a.creds.Password, a.creds.TOTPSecret); err != nil {
		return fmt.Errorf("smartapi login: %w", err)
	}
	a.loggedIn = true
	slog.Info("smartapi login ok", slog.String("client_code", a.creds.ClientCode))
	return nil
}

// Logout ends the SmartAPI session if one is open. A later Fetch logs in
// again.
func (a *AngelSource) Logout(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.loggedIn {
		return nil
	}
	a.loggedIn = false
	if err := a.broker.TerminateSession(ctx, a.creds.ClientCode); err != nil {
		return fmt.Errorf("smartapi logout: %w", err)
	}
	slog.Info("smartapi logout ok", slog.String("client_code", a.creds.ClientCode))
	return nil
}
