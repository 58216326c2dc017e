// Package telegram defines the upstream chat client abstraction, the session
// auth flow and the sync service that keeps monitored channels current. The
// Client interface mirrors the small slice of the chat API the pipeline
// needs; the rest of the system never talks to the wire protocol directly.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/printvault/printvault/internal/catalog"
)

type (
	// Peer identifies an upstream chat or channel.
	Peer struct {
		// ID is the stable upstream peer id, as a string.
		ID string
		// Username is the public handle, when the peer has one.
		Username string
		// Title is the display title.
		Title string
	}

	// RemoteAttachment is one media item of an upstream message.
	RemoteAttachment struct {
		Type     catalog.AttachmentType
		Filename string
		MimeType string
		Size     int64
		// FileID is the opaque upstream handle used to download the media.
		FileID string
	}

	// RemoteMessage is one upstream message as seen by the sync service.
	RemoteMessage struct {
		// ID is the upstream message id, monotonically increasing per channel.
		ID       int64
		Text     string
		Author   string
		PostedAt time.Time
		// ForwardFrom is set when the message was forwarded from another peer.
		ForwardFrom *Peer
		Attachments []RemoteAttachment
	}

	// Client is the upstream chat session. Implementations own connection
	// lifecycle and session persistence; every method that touches the
	// network takes a context.
	Client interface {
		// Connect establishes the session. Idempotent.
		Connect(ctx context.Context) error
		// Disconnect tears the session down.
		Disconnect(ctx context.Context) error
		// IsAuthenticated reports whether the session holds a valid login.
		IsAuthenticated(ctx context.Context) (bool, error)
		// SendCode starts a phone login and returns the code hash to pass to
		// SignIn.
		SendCode(ctx context.Context, phone string) (string, error)
		// SignIn completes a phone login with the received code. It returns
		// ErrSessionPasswordNeeded when the account has two-factor auth.
		SignIn(ctx context.Context, phone, codeHash, code string) error
		// SignInWithPassword completes a two-factor login.
		SignInWithPassword(ctx context.Context, password string) error
		// LogOut invalidates the session.
		LogOut(ctx context.Context) error
		// ResolvePeer resolves a peer id, @username or invite link.
		ResolvePeer(ctx context.Context, ref string) (*Peer, error)
		// History returns up to limit messages of the peer with id greater
		// than minID, in ascending id order.
		History(ctx context.Context, peerID string, minID int64, limit int) ([]RemoteMessage, error)
		// Download streams a media file into w and returns the byte count.
		Download(ctx context.Context, fileID string, w io.Writer) (int64, error)
		// OnNewMessage registers a realtime handler for new messages across
		// all joined peers. The returned func cancels the subscription.
		OnNewMessage(fn func(peer Peer, msg RemoteMessage)) (cancel func())
	}
)

// Session errors. Wire implementations map their protocol errors onto these
// so callers can branch without knowing the transport.
var (
	ErrPhoneCodeInvalid      = errors.New("login code is invalid")
	ErrPhoneCodeExpired      = errors.New("login code has expired")
	ErrSessionPasswordNeeded = errors.New("two-factor password required")
	ErrPhoneNumberInvalid    = errors.New("phone number is invalid")
	ErrAuthKeyUnregistered   = errors.New("session is no longer authorized")
	ErrNotConnected          = errors.New("client is not connected")
)

// FloodWaitError is the upstream rate-limit signal: the caller must wait the
// given number of seconds before retrying the same call.
type FloodWaitError struct {
	Seconds int
}

// Error implements error.
func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait: retry in %ds", e.Seconds)
}

// Wait returns the mandated pause as a duration.
func (e *FloodWaitError) Wait() time.Duration {
	return time.Duration(e.Seconds) * time.Second
}
