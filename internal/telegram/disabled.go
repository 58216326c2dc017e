package telegram

import (
	"context"
	"io"
)

// Disabled returns a Client for deployments without an MTProto binding: every
// operation fails with ErrNotConnected. The sync service then idles and the
// REST auth flow reports the failure to the user instead of crashing.
func Disabled() Client { return disabledClient{} }

type disabledClient struct{}

func (disabledClient) Connect(context.Context) error    { return ErrNotConnected }
func (disabledClient) Disconnect(context.Context) error { return nil }
func (disabledClient) IsAuthenticated(context.Context) (bool, error) {
	return false, nil
}
func (disabledClient) SendCode(context.Context, string) (string, error) {
	return "", ErrNotConnected
}
func (disabledClient) SignIn(context.Context, string, string, string) error {
	return ErrNotConnected
}
func (disabledClient) SignInWithPassword(context.Context, string) error {
	return ErrNotConnected
}
func (disabledClient) LogOut(context.Context) error { return ErrNotConnected }
func (disabledClient) ResolvePeer(context.Context, string) (*Peer, error) {
	return nil, ErrNotConnected
}
func (disabledClient) History(context.Context, string, int64, int) ([]RemoteMessage, error) {
	return nil, ErrNotConnected
}
func (disabledClient) Download(context.Context, string, io.Writer) (int64, error) {
	return 0, ErrNotConnected
}
func (disabledClient) OnNewMessage(func(Peer, RemoteMessage)) (cancel func()) {
	return func() {}
}
