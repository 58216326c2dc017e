package settings

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/printvault/printvault/internal/catalog"
)

func newTestService(t *testing.T) (*Service, *catalog.Store) {
	t.Helper()
	store, err := catalog.Open(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	return NewService(store, nil), store
}

func TestDefaults(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	tmpl, err := s.String(ctx, KeyLibraryTemplate)
	require.NoError(t, err)
	require.Equal(t, "{designer}/{channel}/{title}", tmpl)

	n, err := s.Int(ctx, KeyMaxConcurrentDownloads)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	b, err := s.Bool(ctx, KeyDeleteArchives)
	require.NoError(t, err)
	require.True(t, b)

	f, err := s.Float(ctx, KeyTelegramChannelSpacing)
	require.NoError(t, err)
	require.Equal(t, 2.0, f)
}

func TestSetPersistsAndInvalidates(t *testing.T) {
	s, store := newTestService(t)
	ctx := context.Background()

	// Prime the cache with the default, then overwrite.
	_, err := s.Int(ctx, KeyMaxConcurrentDownloads)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, KeyMaxConcurrentDownloads, "4"))

	n, err := s.Int(ctx, KeyMaxConcurrentDownloads)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	// A fresh service over the same store sees the persisted value.
	fresh := NewService(store, nil)
	n, err = fresh.Int(ctx, KeyMaxConcurrentDownloads)
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestSetValidation(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		key   string
		value string
	}{
		{KeyMaxConcurrentDownloads, "0"},    // below min
		{KeyMaxConcurrentDownloads, "11"},   // above max
		{KeyMaxConcurrentDownloads, "2.5"},  // not an integer
		{KeyMaxConcurrentDownloads, "many"}, // not numeric
		{KeyDeleteArchives, "maybe"},        // not a boolean
		{KeyTelegramChannelSpacing, "0.1"},  // below min
		{KeyLibraryTemplate, "{designer}"},  // missing {title}
	}
	for _, c := range cases {
		require.Error(t, s.Set(ctx, c.key, c.value), "%s=%s", c.key, c.value)
	}

	require.NoError(t, s.Set(ctx, KeyTelegramChannelSpacing, "1.5"))
	require.NoError(t, s.Set(ctx, KeyDeleteArchives, "false"))
	require.NoError(t, s.Set(ctx, KeyLibraryTemplate, "{channel}/{title}"))
}

func TestUnknownKey(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.String(ctx, "no_such_setting")
	require.ErrorIs(t, err, ErrUnknownSetting)
	require.ErrorIs(t, s.Set(ctx, "no_such_setting", "x"), ErrUnknownSetting)
}

func TestTypeMismatch(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	// Reading a string setting as a number fails at conversion time.
	_, err := s.Int(ctx, KeyLibraryTemplate)
	require.Error(t, err)
	_, err = s.Bool(ctx, KeyLibraryTemplate)
	require.Error(t, err)
}

func TestInvalidate(t *testing.T) {
	s, store := newTestService(t)
	ctx := context.Background()

	_, err := s.Int(ctx, KeySyncBatchSize)
	require.NoError(t, err)

	// Write behind the service's back; the cache still serves the old value
	// until invalidated.
	require.NoError(t, store.SetSetting(ctx, KeySyncBatchSize, "250"))
	n, err := s.Int(ctx, KeySyncBatchSize)
	require.NoError(t, err)
	require.Equal(t, 100, n)

	s.Invalidate()
	n, err = s.Int(ctx, KeySyncBatchSize)
	require.NoError(t, err)
	require.Equal(t, 250, n)
}

func TestRegistryDefaultsAreValid(t *testing.T) {
	for _, def := range Registry() {
		require.NoError(t, validate(def, def.Default), "key=%s", def.Key)
	}
}
