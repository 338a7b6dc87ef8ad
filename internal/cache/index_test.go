package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexPersistsOnlyReadyEntries(t *testing.T) {
	dir := t.TempDir()
	idx, err := NewIndex(dir, nil)
	require.NoError(t, err)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fp := testFingerprint(t, "https://inference.example.org/a.nii")
	pending := Entry{Fingerprint: fp, OriginURL: "https://inference.example.org/a.nii", CreatedAt: now, LastAccessedAt: now, State: StatePending}
	require.NoError(t, idx.Upsert(pending))
	assert.NoFileExists(t, filepath.Join(dir, fp+".json"))

	ready := pending
	ready.State = StateReady
	ready.SizeBytes = 5
	ready.ContentHash = digest.FromString("hello")
	ready.TTL = time.Hour
	require.NoError(t, idx.Upsert(ready))
	assert.FileExists(t, filepath.Join(dir, fp+".json"))

	reopened, err := NewIndex(dir, nil)
	require.NoError(t, err)
	loaded, err := reopened.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, fp, loaded[0].Fingerprint)
	assert.Equal(t, StateReady, loaded[0].State)
	assert.Equal(t, time.Hour, loaded[0].TTL)
	assert.True(t, loaded[0].CreatedAt.Equal(now))
	assert.Equal(t, ready.ContentHash, loaded[0].ContentHash)

	invalid := ready
	invalid.State = StateInvalid
	require.NoError(t, idx.Upsert(invalid))
	assert.NoFileExists(t, filepath.Join(dir, fp+".json"))
}

func TestIndexTouchFlushesAccessTime(t *testing.T) {
	dir := t.TempDir()
	idx, err := NewIndex(dir, nil)
	require.NoError(t, err)

	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fp := testFingerprint(t, "https://inference.example.org/b.nii")
	require.NoError(t, idx.Upsert(Entry{Fingerprint: fp, CreatedAt: created, LastAccessedAt: created, State: StateReady}))

	later := created.Add(time.Minute)
	assert.True(t, idx.Touch(fp, later))
	assert.False(t, idx.Touch(testFingerprint(t, "https://inference.example.org/none"), later))
	require.NoError(t, idx.Flush())

	reopened, err := NewIndex(dir, nil)
	require.NoError(t, err)
	loaded, err := reopened.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.True(t, loaded[0].LastAccessedAt.Equal(later))
}

func TestIndexRemovedEntryIsNotResurrectedByFlush(t *testing.T) {
	dir := t.TempDir()
	idx, err := NewIndex(dir, nil)
	require.NoError(t, err)

	now := time.Now()
	fp := testFingerprint(t, "https://inference.example.org/c.nii")
	require.NoError(t, idx.Upsert(Entry{Fingerprint: fp, CreatedAt: now, LastAccessedAt: now, State: StateReady}))
	idx.Touch(fp, now.Add(time.Second))

	_, ok := idx.Remove(fp)
	require.True(t, ok)
	require.NoError(t, idx.Flush())
	assert.NoFileExists(t, filepath.Join(dir, fp+".json"))
}

func TestIndexLoadDropsCorruptRecords(t *testing.T) {
	dir := t.TempDir()
	fp := testFingerprint(t, "https://inference.example.org/d.nii")
	other := testFingerprint(t, "https://inference.example.org/e.nii")

	require.NoError(t, os.WriteFile(filepath.Join(dir, fp+".json"), []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, other+".json"), []byte(`{"fingerprint":"`+fp+`","size_bytes":1}`), 0o644))

	idx, err := NewIndex(dir, nil)
	require.NoError(t, err)
	loaded, err := idx.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)
	assert.Equal(t, 0, idx.Len())
	assert.NoFileExists(t, filepath.Join(dir, fp+".json"))
	assert.NoFileExists(t, filepath.Join(dir, other+".json"))
}

func TestNewIndexRemovesLeftoverTempRecords(t *testing.T) {
	dir := t.TempDir()
	leftover := filepath.Join(dir, ".record-123456")
	require.NoError(t, os.WriteFile(leftover, []byte(`{"fingerprint":`), 0o644))
	fp := testFingerprint(t, "https://inference.example.org/kept.nii")
	kept := filepath.Join(dir, fp+".json")
	require.NoError(t, os.WriteFile(kept, []byte("{}"), 0o644))

	_, err := NewIndex(dir, nil)
	require.NoError(t, err)
	assert.NoFileExists(t, leftover)
	assert.FileExists(t, kept, "committed records are left for Load to judge")
}
