package poller

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-dashboard/pkg/smartconnect"
)

type fakeBroker struct {
	logins    int
	loginErr  error
	positions []error // error per Positions call, in order
	calls     int
	logouts   int
	logoutErr error
}

func (b *fakeBroker) TerminateSession(ctx context.Context, clientCode string) error {
	b.logouts++
	return b.logoutErr
}

func (b *fakeBroker) LoginWithTOTP(ctx context.Context, clientCode, password, secret string) error {
	b.logins++
	return b.loginErr
}

func (b *fakeBroker) Positions(ctx context.Context) ([]map[string]any, error) {
	var err error
	if b.calls < len(b.positions) {
		err = b.positions[b.calls]
	}
	b.calls++
	if err != nil {
		return nil, err
	}
	return []map[string]any{{"symboltoken": "2885", "exchange": "NSE"}}, nil
}

func TestAngelSource_LogsInOnce(t *testing.T) {
	b := &fakeBroker{}
	src := NewAngelSource(b, AngelCredentials{ClientCode: "A123"})
	assert.Equal(t, "angel", src.Name())

	for i := 0; i < 3; i++ {
		rows, err := src.Fetch(context.Background())
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	}
	assert.Equal(t, 1, b.logins)
}

func TestAngelSource_RelogsOnExpiredToken(t *testing.T) {
	b := &fakeBroker{positions: []error{nil, fmt.Errorf("%w: Invalid Token", smartconnect.ErrTokenExpired)}}
	src := NewAngelSource(b, AngelCredentials{})

	_, err := src.Fetch(context.Background())
	require.NoError(t, err)
	rows, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, 2, b.logins)
	assert.Equal(t, 3, b.calls)
}

func TestAngelSource_LoginFailure(t *testing.T) {
	b := &fakeBroker{loginErr: smartconnect.ErrLoginFailed}
	src := NewAngelSource(b, AngelCredentials{})

	_, err := src.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, smartconnect.ErrLoginFailed))
	assert.Equal(t, 0, b.calls)

	// Next call retries the login.
	b.loginErr = nil
	_, err = src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, b.logins)
}

func TestAngelSource_OtherErrorsPassThrough(t *testing.T) {
	b := &fakeBroker{positions: []error{errors.New("HTTP 500")}}
	src := NewAngelSource(b, AngelCredentials{})

	_, err := src.Fetch(context.Background())
	assert.EqualError(t, err, "HTTP 500")
	assert.Equal(t, 1, b.logins)
}

func TestAngelSource_Logout(t *testing.T) {
	b := &fakeBroker{}
	src := NewAngelSource(b, AngelCredentials{ClientCode: "A123"})
	ctx := context.Background()

	// no session yet: nothing to terminate
	require.NoError(t, src.Logout(ctx))
	assert.Equal(t, 0, b.logouts)

	_, err := src.Fetch(ctx)
	require.NoError(t, err)
	require.NoError(t, src.Logout(ctx))
	assert.Equal(t, 1, b.logouts)

	// the next fetch opens a new session
	_, err = src.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, b.logins)

	b.logoutErr = errors.New("network down")
	err = src.Logout(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smartapi logout")
}
