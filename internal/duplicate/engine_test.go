package duplicate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/printvault/printvault/internal/catalog"
	"github.com/printvault/printvault/internal/storage"
)

func newTestEngine(t *testing.T) (*Engine, *catalog.Store) {
	t.Helper()
	root := t.TempDir()
	store, err := catalog.Open(filepath.Join(root, "app.db"))
	require.NoError(t, err)
	paths := storage.Paths{DataDir: root, LibraryDir: filepath.Join(root, "library")}
	return NewEngine(store, paths), store
}

func addDesign(t *testing.T, store *catalog.Store, title, designer string, status catalog.DesignStatus) *catalog.Design {
	t.Helper()
	d := &catalog.Design{Title: title, Designer: designer, Status: status}
	require.NoError(t, store.CreateDesign(context.Background(), d))
	return d
}

func addFile(t *testing.T, store *catalog.Store, designID int64, filename, sha string, size int64) {
	t.Helper()
	kind, modelKind := storage.Classify(filename)
	require.NoError(t, store.CreateDesignFile(context.Background(), &catalog.DesignFile{
		DesignID:     designID,
		RelativePath: filename,
		Filename:     filename,
		Ext:          storage.Ext(filename),
		SizeBytes:    size,
		SHA256:       sha,
		Kind:         kind,
		ModelKind:    modelKind,
	}))
}

func TestTitleSimilarity(t *testing.T) {
	require.Equal(t, 1.0, TitleSimilarity("Dragon Knight", "dragon KNIGHT"))
	require.Zero(t, TitleSimilarity("Dragon", "Goblin"))
	require.Zero(t, TitleSimilarity("", "Dragon"))
	// 3 shared tokens of 3+4: Dice 6/7.
	require.InDelta(t, 6.0/7.0, TitleSimilarity("Dragon Knight Hero", "Dragon Knight Hero v2"), 1e-9)
}

func TestFindDuplicatesFileHash(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	a := addDesign(t, store, "Dragon", "Ada", catalog.DesignOrganized)
	b := addDesign(t, store, "Completely Different", "Bob", catalog.DesignOrganized)
	addFile(t, store, a.ID, "dragon.stl", "aabb", 100)
	addFile(t, store, b.ID, "other.stl", "aabb", 100)

	matches, err := e.FindDuplicates(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, b.ID, matches[0].DesignID)
	require.Equal(t, "file_hash", matches[0].MatchType)
	require.Equal(t, ConfidenceFileHash, matches[0].Confidence)
}

func TestFindDuplicatesIdenticalTitle(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	a := addDesign(t, store, "Dragon Knight", "Ada", catalog.DesignOrganized)
	b := addDesign(t, store, "dragon KNIGHT!", "ada", catalog.DesignOrganized)

	// Identical titles are the top of the fuzzy signal; they never score
	// above it.
	matches, err := e.FindDuplicates(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, b.ID, matches[0].DesignID)
	require.Equal(t, "title_fuzzy", matches[0].MatchType)
	require.Equal(t, ConfidenceFuzzyTitle, matches[0].Confidence)
	require.Less(t, matches[0].Confidence, AutoMergeThreshold)
}

func TestFindDuplicatesFuzzyTitle(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	a := addDesign(t, store, "Dragon Knight Hero v2", "Ada", catalog.DesignOrganized)
	b := addDesign(t, store, "Dragon Knight Hero", "Ada", catalog.DesignOrganized)

	matches, err := e.FindDuplicates(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, b.ID, matches[0].DesignID)
	require.Equal(t, "title_fuzzy", matches[0].MatchType)
	require.Equal(t, ConfidenceFuzzyTitle, matches[0].Confidence)
}

func TestTitleMatchRequiresSimilarDesigner(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	a := addDesign(t, store, "Dragon Knight", "Ada", catalog.DesignOrganized)
	addDesign(t, store, "Dragon Knight", "Bob", catalog.DesignOrganized)

	matches, err := e.FindDuplicates(ctx, a.ID)
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestTitleMatchAllowsFuzzyDesigner(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	a := addDesign(t, store, "Dragon Knight", "Ada Lovelace Studio", catalog.DesignOrganized)
	b := addDesign(t, store, "Dragon Knight", "ada lovelace studio v2", catalog.DesignOrganized)

	matches, err := e.FindDuplicates(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, b.ID, matches[0].DesignID)
	require.Equal(t, "title_fuzzy", matches[0].MatchType)
}

func TestFindDuplicatesFilenameSize(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	a := addDesign(t, store, "Dragon", "Ada", catalog.DesignOrganized)
	b := addDesign(t, store, "Wyrm", "Bob", catalog.DesignOrganized)
	c := addDesign(t, store, "Wyvern", "Cleo", catalog.DesignOrganized)
	addFile(t, store, a.ID, "dragon.stl", "h1", 10000)
	addFile(t, store, b.ID, "dragon.stl", "h2", 10050) // within 1%
	addFile(t, store, c.ID, "dragon.stl", "h3", 12000) // too far off

	matches, err := e.FindDuplicates(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, b.ID, matches[0].DesignID)
	require.Equal(t, "filename", matches[0].MatchType)
	require.Equal(t, ConfidenceFilename, matches[0].Confidence)
}

func TestFindDuplicatesNone(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	a := addDesign(t, store, "Unique Snowflake", "Ada", catalog.DesignOrganized)
	addDesign(t, store, "Something Else", "Bob", catalog.DesignOrganized)

	matches, err := e.FindDuplicates(ctx, a.ID)
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestProcessDuplicatesAutoMerge(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	older := addDesign(t, store, "Dragon Knight", "Ada", catalog.DesignOrganized)
	addFile(t, store, older.ID, "dragon.stl", "h1", 100)
	newer := addDesign(t, store, "Dragon Knight Repack", "Ada", catalog.DesignOrganized)
	addFile(t, store, newer.ID, "dragon.stl", "h1", 100)
	addFile(t, store, newer.ID, "dragon_fixed.stl", "h2", 120)

	survivor, err := e.ProcessDuplicates(ctx, newer.ID)
	require.NoError(t, err)
	require.Equal(t, older.ID, survivor)

	_, err = store.GetDesign(ctx, newer.ID)
	require.ErrorIs(t, err, catalog.ErrNotFound)

	// The loser's extra file moved over; the shared one did not duplicate.
	files, err := store.ListDesignFiles(ctx, older.ID)
	require.NoError(t, err)
	require.Len(t, files, 2)

	var cands []catalog.DuplicateCandidate
	require.NoError(t, store.DB().Find(&cands).Error)
	require.Len(t, cands, 1)
	require.Equal(t, catalog.DuplicateMerged, cands[0].Status)
	require.Equal(t, "file_hash", cands[0].MatchType)
}

func TestProcessDuplicatesTitleCoincidenceNeverMerges(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	// Same title and designer but entirely different content: must never
	// destroy either design.
	older := addDesign(t, store, "Dragon", "Ada", catalog.DesignOrganized)
	addFile(t, store, older.ID, "dragon_v1.stl", "h1", 10000)
	newer := addDesign(t, store, "Dragon", "Ada", catalog.DesignOrganized)
	addFile(t, store, newer.ID, "dragon_remaster.stl", "h2", 5000000)

	survivor, err := e.ProcessDuplicates(ctx, newer.ID)
	require.NoError(t, err)
	require.Equal(t, newer.ID, survivor)

	_, err = store.GetDesign(ctx, older.ID)
	require.NoError(t, err)
	_, err = store.GetDesign(ctx, newer.ID)
	require.NoError(t, err)

	var cands []catalog.DuplicateCandidate
	require.NoError(t, store.DB().Find(&cands).Error)
	require.Len(t, cands, 1)
	require.Equal(t, catalog.DuplicatePending, cands[0].Status)
	require.Equal(t, "title_fuzzy", cands[0].MatchType)
	require.Equal(t, ConfidenceFuzzyTitle, cands[0].Confidence)
}

func TestProcessDuplicatesPendingReview(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	older := addDesign(t, store, "Dragon Knight Hero", "Ada", catalog.DesignOrganized)
	newer := addDesign(t, store, "Dragon Knight Hero v2", "Ada", catalog.DesignOrganized)

	survivor, err := e.ProcessDuplicates(ctx, newer.ID)
	require.NoError(t, err)
	require.Equal(t, newer.ID, survivor, "fuzzy matches never auto-merge")

	// Both designs survive, the pair waits for review.
	_, err = store.GetDesign(ctx, older.ID)
	require.NoError(t, err)
	var cands []catalog.DuplicateCandidate
	require.NoError(t, store.DB().Find(&cands).Error)
	require.Len(t, cands, 1)
	require.Equal(t, catalog.DuplicatePending, cands[0].Status)
	require.Equal(t, newer.ID, cands[0].DesignAID)
	require.Equal(t, older.ID, cands[0].DesignBID)

	// Re-evaluating does not duplicate the candidate row.
	_, err = e.ProcessDuplicates(ctx, newer.ID)
	require.NoError(t, err)
	require.NoError(t, store.DB().Find(&cands).Error)
	require.Len(t, cands, 1)
}

func TestMergeFillsMissingMetadata(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	winner := addDesign(t, store, "Dragon", "", catalog.DesignDownloaded)
	loser := addDesign(t, store, "Dragon", "Ada", catalog.DesignOrganized)
	loser.Description = "A fearsome dragon"
	require.NoError(t, store.SaveDesign(ctx, loser))
	addFile(t, store, loser.ID, "dragon.stl", "h1", 100)

	require.NoError(t, e.Merge(ctx, winner.ID, loser.ID))

	got, err := store.GetDesign(ctx, winner.ID)
	require.NoError(t, err)
	require.Equal(t, "Ada", got.Designer)
	require.Equal(t, "A fearsome dragon", got.Description)
	// The merge keeps the furthest-along status.
	require.Equal(t, catalog.DesignOrganized, got.Status)
	require.Equal(t, int64(100), got.TotalSizeBytes)

	files, err := store.ListDesignFiles(ctx, winner.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
}

func TestCheckPreDownload(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	existing := addDesign(t, store, "Dragon Knight", "Ada", catalog.DesignOrganized)

	match, matchType, conf, err := e.CheckPreDownload(ctx, "dragon knight", "Ada", nil)
	require.NoError(t, err)
	require.NotNil(t, match)
	require.Equal(t, existing.ID, match.ID)
	require.Equal(t, "title_fuzzy", matchType)
	require.Equal(t, ConfidenceFuzzyTitle, conf)
	// Name signals never reach the auto-merge threshold on their own.
	require.Less(t, conf, AutoMergeThreshold)

	match, _, conf, err = e.CheckPreDownload(ctx, "Goblin Horde", "Ada", nil)
	require.NoError(t, err)
	require.Nil(t, match)
	require.Zero(t, conf)

	// A designer mismatch blocks the match.
	match, _, _, err = e.CheckPreDownload(ctx, "Dragon Knight", "Bob", nil)
	require.NoError(t, err)
	require.Nil(t, match)
}

func TestCheckPreDownloadFilenameHints(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	existing := addDesign(t, store, "Dragon Knight", "Ada", catalog.DesignOrganized)
	addFile(t, store, existing.ID, "dragon.stl", "h1", 10000)

	// Title tells us nothing, the file listing does.
	hints := []FileHint{{Filename: "dragon.stl", Size: 10020}}
	match, matchType, conf, err := e.CheckPreDownload(ctx, "Mystery Bundle", "Someone Else", hints)
	require.NoError(t, err)
	require.NotNil(t, match)
	require.Equal(t, existing.ID, match.ID)
	require.Equal(t, "filename", matchType)
	require.Equal(t, ConfidenceFilename, conf)

	// A size outside the 1% window blocks the hint match.
	match, _, _, err = e.CheckPreDownload(ctx, "Mystery Bundle", "Someone Else",
		[]FileHint{{Filename: "dragon.stl", Size: 20000}})
	require.NoError(t, err)
	require.Nil(t, match)
}

func TestHintsRoundTrip(t *testing.T) {
	hints := []FileHint{{Filename: "dragon.stl", Size: 10000}, {Filename: "base.3mf", Size: 42}}
	require.Equal(t, hints, DecodeHints(EncodeHints(hints)))
	require.Empty(t, EncodeHints(nil))
	require.Nil(t, DecodeHints(""))
	require.Nil(t, DecodeHints("{not json"))
}
