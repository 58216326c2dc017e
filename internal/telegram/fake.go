package telegram

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// FakeClient is an in-memory Client used by tests and by deployments that
// run without an upstream chat session. Peers and their message history are
// seeded through the exported fields and helpers.
type FakeClient struct {
	mu sync.Mutex

	connected     bool
	authenticated bool
	phone         string
	password      string

	peers    map[string]*Peer           // by id
	history  map[string][]RemoteMessage // by peer id, ascending
	media    map[string][]byte          // by file id
	handlers []func(Peer, RemoteMessage)

	// Code is the login code SignIn accepts; defaults to "00000".
	Code string
	// Password, when non-empty, makes SignIn return ErrSessionPasswordNeeded.
	TwoFactorPassword string
	// FloodAfter, when positive, makes every History call past the first N
	// return a FloodWaitError with FloodSeconds.
	FloodAfter   int
	FloodSeconds int
	historyCalls int
}

// NewFakeClient returns an empty, unauthenticated fake.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		peers:   map[string]*Peer{},
		history: map[string][]RemoteMessage{},
		media:   map[string][]byte{},
		Code:    "00000",
	}
}

// AddPeer seeds a peer.
func (f *FakeClient) AddPeer(p Peer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := p
	f.peers[p.ID] = &cp
}

// AddMessage appends a message to a peer's history and fires realtime
// handlers when the fake is connected.
func (f *FakeClient) AddMessage(peerID string, msg RemoteMessage) {
	f.mu.Lock()
	f.history[peerID] = append(f.history[peerID], msg)
	sort.Slice(f.history[peerID], func(i, j int) bool {
		return f.history[peerID][i].ID < f.history[peerID][j].ID
	})
	peer, ok := f.peers[peerID]
	handlers := append([]func(Peer, RemoteMessage){}, f.handlers...)
	connected := f.connected
	f.mu.Unlock()
	if !ok || !connected {
		return
	}
	for _, h := range handlers {
		h(*peer, msg)
	}
}

// AddMedia seeds downloadable media bytes.
func (f *FakeClient) AddMedia(fileID string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media[fileID] = data
}

// SetAuthenticated toggles the session state directly.
func (f *FakeClient) SetAuthenticated(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authenticated = v
}

// Connect implements Client.
func (f *FakeClient) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

// Disconnect implements Client.
func (f *FakeClient) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

// IsAuthenticated implements Client.
func (f *FakeClient) IsAuthenticated(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authenticated, nil
}

// SendCode implements Client.
func (f *FakeClient) SendCode(_ context.Context, phone string) (string, error) {
	if !strings.HasPrefix(phone, "+") {
		return "", ErrPhoneNumberInvalid
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phone = phone
	return "hash-" + phone, nil
}

// SignIn implements Client.
func (f *FakeClient) SignIn(_ context.Context, phone, codeHash, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if codeHash != "hash-"+phone {
		return ErrPhoneCodeExpired
	}
	if code != f.Code {
		return ErrPhoneCodeInvalid
	}
	if f.TwoFactorPassword != "" {
		return ErrSessionPasswordNeeded
	}
	f.authenticated = true
	return nil
}

// SignInWithPassword implements Client.
func (f *FakeClient) SignInWithPassword(_ context.Context, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if password != f.TwoFactorPassword {
		return ErrPhoneCodeInvalid
	}
	f.authenticated = true
	return nil
}

// LogOut implements Client.
func (f *FakeClient) LogOut(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authenticated = false
	return nil
}

// ResolvePeer implements Client.
func (f *FakeClient) ResolvePeer(_ context.Context, ref string) (*Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.peers[ref]; ok {
		cp := *p
		return &cp, nil
	}
	handle := strings.TrimPrefix(ref, "@")
	for _, p := range f.peers {
		if strings.EqualFold(p.Username, handle) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("peer %q not found", ref)
}

// History implements Client.
func (f *FakeClient) History(_ context.Context, peerID string, minID int64, limit int) ([]RemoteMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, ErrNotConnected
	}
	f.historyCalls++
	if f.FloodAfter > 0 && f.historyCalls > f.FloodAfter {
		return nil, &FloodWaitError{Seconds: f.FloodSeconds}
	}
	var out []RemoteMessage
	for _, m := range f.history[peerID] {
		if m.ID <= minID {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Download implements Client.
func (f *FakeClient) Download(_ context.Context, fileID string, w io.Writer) (int64, error) {
	f.mu.Lock()
	data, ok := f.media[fileID]
	f.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("media %q not found", fileID)
	}
	n, err := w.Write(data)
	return int64(n), err
}

// OnNewMessage implements Client.
func (f *FakeClient) OnNewMessage(fn func(Peer, RemoteMessage)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.handlers)
	f.handlers = append(f.handlers, fn)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if i < len(f.handlers) {
			f.handlers[i] = func(Peer, RemoteMessage) {}
		}
	}
}
