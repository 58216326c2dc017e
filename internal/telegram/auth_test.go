package telegram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuthFlow(t *testing.T) {
	client := NewFakeClient()
	auth := NewAuth(client)
	ctx := context.Background()

	st, err := auth.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, AuthLoggedOut, st.State)

	require.NoError(t, auth.Start(ctx, "+15550001111"))
	st, err = auth.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, AuthAwaitingCode, st.State)
	require.Equal(t, "+15550001111", st.Phone)

	require.NoError(t, auth.Verify(ctx, "00000"))
	st, err = auth.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, AuthAuthenticated, st.State)

	ok, err := client.IsAuthenticated(ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAuthInvalidPhone(t *testing.T) {
	auth := NewAuth(NewFakeClient())
	err := auth.Start(context.Background(), "15550001111")
	require.ErrorIs(t, err, ErrPhoneNumberInvalid)

	st, err := auth.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, AuthLoggedOut, st.State)
}

func TestAuthWrongCode(t *testing.T) {
	auth := NewAuth(NewFakeClient())
	ctx := context.Background()

	require.NoError(t, auth.Start(ctx, "+15550001111"))
	require.ErrorIs(t, auth.Verify(ctx, "99999"), ErrPhoneCodeInvalid)

	// The flow stays at the code step so the user can retry.
	st, err := auth.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, AuthAwaitingCode, st.State)

	require.NoError(t, auth.Verify(ctx, "00000"))
}

func TestAuthTwoFactor(t *testing.T) {
	client := NewFakeClient()
	client.TwoFactorPassword = "hunter2"
	auth := NewAuth(client)
	ctx := context.Background()

	require.NoError(t, auth.Start(ctx, "+15550001111"))
	require.ErrorIs(t, auth.Verify(ctx, "00000"), ErrSessionPasswordNeeded)

	st, err := auth.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, AuthAwaitingPassword, st.State)

	require.Error(t, auth.Password(ctx, "wrong"))
	require.NoError(t, auth.Password(ctx, "hunter2"))

	st, err = auth.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, AuthAuthenticated, st.State)
}

func TestAuthVerifyWithoutStart(t *testing.T) {
	auth := NewAuth(NewFakeClient())
	require.Error(t, auth.Verify(context.Background(), "00000"))
	require.Error(t, auth.Password(context.Background(), "pw"))
}

func TestAuthStatusDetectsExistingSession(t *testing.T) {
	client := NewFakeClient()
	client.SetAuthenticated(true)
	auth := NewAuth(client)

	st, err := auth.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, AuthAuthenticated, st.State)
}

func TestAuthLogOut(t *testing.T) {
	client := NewFakeClient()
	auth := NewAuth(client)
	ctx := context.Background()

	require.NoError(t, auth.Start(ctx, "+15550001111"))
	require.NoError(t, auth.Verify(ctx, "00000"))
	require.NoError(t, auth.LogOut(ctx))

	st, err := auth.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, AuthLoggedOut, st.State)
	require.Empty(t, st.Phone)

	ok, err := client.IsAuthenticated(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}
