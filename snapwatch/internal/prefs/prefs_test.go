package prefs

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/snapstory/snapwatch/internal/sqlitedb"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(sqlitedb.OpenMemory(t))
	require.NoError(t, err)
	return s
}

func TestGet_DefaultsBeforeInstall(t *testing.T) {
	s := newStore(t)
	got, err := s.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Defaults(), got)
	assert.Equal(t, "SnapStory Downloads", got.DownloadPath)
	assert.Equal(t, 3, got.MaxConcurrentDownloads)
	assert.False(t, got.AutoDownload)
}

func TestInstall_OnlyFirstTime(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	first, err := s.Install(ctx)
	require.NoError(t, err)
	assert.True(t, first)

	auto := true
	require.NoError(t, s.Save(ctx, Patch{AutoDownload: &auto}))

	again, err := s.Install(ctx)
	require.NoError(t, err)
	assert.False(t, again)

	got, err := s.Get(ctx)
	require.NoError(t, err)
	assert.True(t, got.AutoDownload, "reinstall must not overwrite saved values")
}

func TestSave_Partial(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, err := s.Install(ctx)
	require.NoError(t, err)

	path := "Out"
	require.NoError(t, s.Save(ctx, Patch{DownloadPath: &path}))
	got, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, Settings{DownloadPath: "Out", MaxConcurrentDownloads: 3}, got)

	require.NoError(t, s.Save(ctx, Patch{}))
}

func TestSave_RejectsNonPositiveConcurrency(t *testing.T) {
	s := newStore(t)
	zero := 0
	assert.Error(t, s.Save(context.Background(), Patch{MaxConcurrentDownloads: &zero}))
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "prefs.db")

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Install(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, Full(Settings{AutoDownload: true, DownloadPath: "Keep", MaxConcurrentDownloads: 5})))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	first, err := s.Install(ctx)
	require.NoError(t, err)
	assert.False(t, first)
	got, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, Settings{AutoDownload: true, DownloadPath: "Keep", MaxConcurrentDownloads: 5}, got)
}

func TestPatch_Empty(t *testing.T) {
	assert.True(t, Patch{}.Empty())
	assert.False(t, Full(Defaults()).Empty())
}
