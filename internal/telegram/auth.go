package telegram

import (
	"context"
	"errors"
	"sync"
)

// AuthState is the current step of the login flow.
type AuthState string

const (
	// AuthLoggedOut means no session exists.
	AuthLoggedOut AuthState = "logged_out"
	// AuthAwaitingCode means a login code was sent to the phone.
	AuthAwaitingCode AuthState = "awaiting_code"
	// AuthAwaitingPassword means the account needs its two-factor password.
	AuthAwaitingPassword AuthState = "awaiting_password"
	// AuthAuthenticated means the session is valid.
	AuthAuthenticated AuthState = "authenticated"
)

// AuthStatus is the login flow snapshot returned to the REST surface.
type AuthStatus struct {
	State AuthState `json:"state"`
	Phone string    `json:"phone,omitempty"`
}

// Auth drives the interactive phone login flow over a Client. It holds the
// in-flight code hash between Start and Verify; all methods are safe for
// concurrent use.
type Auth struct {
	client Client

	mu       sync.Mutex
	phone    string
	codeHash string
	state    AuthState
}

// NewAuth constructs the auth flow for a client.
func NewAuth(client Client) *Auth {
	return &Auth{client: client, state: AuthLoggedOut}
}

// Status reports the current flow state, refreshing it from the client so an
// existing persisted session shows up as authenticated.
func (a *Auth) Status(ctx context.Context) (AuthStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == AuthLoggedOut {
		ok, err := a.client.IsAuthenticated(ctx)
		if err != nil {
			return AuthStatus{}, err
		}
		if ok {
			a.state = AuthAuthenticated
		}
	}
	return AuthStatus{State: a.state, Phone: a.phone}, nil
}

// Start connects and sends a login code to the phone.
func (a *Auth) Start(ctx context.Context, phone string) error {
	if err := a.client.Connect(ctx); err != nil {
		return err
	}
	hash, err := a.client.SendCode(ctx, phone)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.phone = phone
	a.codeHash = hash
	a.state = AuthAwaitingCode
	a.mu.Unlock()
	return nil
}

// Verify completes the login with the received code. When the account has
// two-factor auth enabled the flow moves to AuthAwaitingPassword and
// ErrSessionPasswordNeeded is returned.
func (a *Auth) Verify(ctx context.Context, code string) error {
	a.mu.Lock()
	phone, hash, state := a.phone, a.codeHash, a.state
	a.mu.Unlock()
	if state != AuthAwaitingCode {
		return errors.New("no login in progress")
	}
	err := a.client.SignIn(ctx, phone, hash, code)
	switch {
	case err == nil:
		a.setState(AuthAuthenticated)
		return nil
	case errors.Is(err, ErrSessionPasswordNeeded):
		a.setState(AuthAwaitingPassword)
		return err
	case errors.Is(err, ErrPhoneCodeExpired):
		a.setState(AuthLoggedOut)
		return err
	default:
		return err
	}
}

// Password completes a two-factor login.
func (a *Auth) Password(ctx context.Context, password string) error {
	a.mu.Lock()
	state := a.state
	a.mu.Unlock()
	if state != AuthAwaitingPassword {
		return errors.New("two-factor password not expected")
	}
	if err := a.client.SignInWithPassword(ctx, password); err != nil {
		return err
	}
	a.setState(AuthAuthenticated)
	return nil
}

// LogOut invalidates the session and resets the flow.
func (a *Auth) LogOut(ctx context.Context) error {
	if err := a.client.LogOut(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	a.phone = ""
	a.codeHash = ""
	a.state = AuthLoggedOut
	a.mu.Unlock()
	return nil
}

func (a *Auth) setState(s AuthState) {
	a.mu.Lock()
	a.state = s
	if s != AuthAwaitingCode && s != AuthAwaitingPassword {
		a.codeHash = ""
	}
	a.mu.Unlock()
}
