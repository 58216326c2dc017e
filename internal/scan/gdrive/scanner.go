package gdrive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"goa.design/clue/log"
	"golang.org/x/oauth2"

	"github.com/printvault/printvault/internal/catalog"
	"github.com/printvault/printvault/internal/profile"
	"github.com/printvault/printvault/internal/ratelimit"
	"github.com/printvault/printvault/internal/scan"
	"github.com/printvault/printvault/internal/secrets"
	"github.com/printvault/printvault/internal/settings"
)

// listingTTL bounds how long a folder listing may be served from cache.
const listingTTL = 5 * time.Minute

// refreshWindow is how close to expiry a token gets refreshed proactively,
// so long downloads do not start with a nearly dead token.
const refreshWindow = 5 * time.Minute

// Scopes requested during the OAuth consent flow.
var driveScopes = []string{"https://www.googleapis.com/auth/drive.readonly"}

// OAuthEndpoint is Google's OAuth2 endpoint.
var OAuthEndpoint = oauth2.Endpoint{
	AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL: "https://oauth2.googleapis.com/token",
}

// StoredCredential is the plaintext shape sealed into a catalog.Credential of
// kind "google".
type StoredCredential struct {
	ClientID     string        `json:"client_id"`
	ClientSecret string        `json:"client_secret"`
	Token        *oauth2.Token `json:"token"`
}

type cachedListing struct {
	files []File
	at    time.Time
}

// Scanner is the Google Drive import-source scanner. It builds a virtual
// folder tree from batched listings and runs the profile detection over it;
// per-folder listings are cached briefly so a sync followed by downloads does
// not re-list the same folders.
type Scanner struct {
	store    *catalog.Store
	box      *secrets.Box
	limiter  *ratelimit.Limiter
	settings *settings.Service

	mu    sync.Mutex
	cache map[string]cachedListing
}

// NewScanner wires the Drive scanner.
func NewScanner(store *catalog.Store, box *secrets.Box, limiter *ratelimit.Limiter, svc *settings.Service) *Scanner {
	return &Scanner{
		store:    store,
		box:      box,
		limiter:  limiter,
		settings: svc,
		cache:    map[string]cachedListing{},
	}
}

// Type implements scan.Scanner.
func (s *Scanner) Type() catalog.ImportSourceType { return catalog.SourceGoogleDrive }

// Scan implements scan.Scanner. The source's change cursor is advanced in
// place; the sync worker persists it along with the sync timestamp.
func (s *Scanner) Scan(ctx context.Context, src *catalog.ImportSource, cfg profile.Config) ([]scan.Candidate, error) {
	client, err := s.ClientFor(ctx, src)
	if err != nil {
		return nil, err
	}
	if rpm, err := s.settings.Int(ctx, settings.KeyGoogleRequestsPerMinute); err == nil {
		s.limiter.SetRPM(rpm)
	}
	s.advanceChanges(ctx, client, src)

	root, err := s.buildTree(ctx, client, src.DriveFolderID, src.Name)
	if err != nil {
		return nil, err
	}
	det := profile.NewDetector(cfg)
	var out []scan.Candidate
	for _, d := range det.Detect(root) {
		c := scan.CandidateFromDetected(d, src.DefaultDesigner)
		c.DriveFolderID = d.Node.Ref
		out = append(out, c)
	}
	return out, nil
}

// advanceChanges consumes the source's change cursor, invalidating cached
// listings touched since the last sync. A missing cursor starts one; cursor
// errors degrade to a full (uncached) scan.
func (s *Scanner) advanceChanges(ctx context.Context, client *Client, src *catalog.ImportSource) {
	if src.DriveChangeToken == "" {
		token, err := client.StartPageToken(ctx)
		if err != nil {
			log.Errorf(ctx, err, "start change cursor")
			return
		}
		src.DriveChangeToken = token
		return
	}
	changes, next, err := client.Changes(ctx, src.DriveChangeToken)
	if err != nil {
		log.Errorf(ctx, err, "change cursor failed, dropping listing cache")
		s.mu.Lock()
		s.cache = map[string]cachedListing{}
		s.mu.Unlock()
		return
	}
	s.mu.Lock()
	for _, ch := range changes {
		delete(s.cache, ch.FileID)
		if ch.File != nil {
			for _, p := range ch.File.Parents {
				delete(s.cache, p)
			}
		}
	}
	s.mu.Unlock()
	if next != "" {
		src.DriveChangeToken = next
	}
}

// buildTree materialises the folder tree under rootID, one API batch per
// depth level. Node refs hold Drive file ids.
func (s *Scanner) buildTree(ctx context.Context, client *Client, rootID, rootName string) (*profile.Node, error) {
	root := &profile.Node{Name: rootName, IsDir: true, Ref: rootID}
	nodes := map[string]*profile.Node{rootID: root}
	frontier := []string{rootID}
	for len(frontier) > 0 {
		files, err := s.childrenOf(ctx, client, frontier)
		if err != nil {
			return nil, err
		}
		var next []string
		for _, f := range files {
			parent := parentIn(f.Parents, nodes)
			if parent == nil {
				continue
			}
			if _, dup := nodes[f.ID]; dup {
				continue
			}
			node := &profile.Node{
				Name:    f.Name,
				Ref:     f.ID,
				Size:    f.Size,
				ModTime: f.ModifiedTime,
			}
			if f.MimeType == FolderMimeType {
				node.IsDir = true
				node.Size = 0
				nodes[f.ID] = node
				next = append(next, f.ID)
			}
			parent.Children = append(parent.Children, node)
		}
		frontier = next
	}
	return root, nil
}

// childrenOf returns the direct children of the given folders, batching the
// cache misses into one listing call.
func (s *Scanner) childrenOf(ctx context.Context, client *Client, folderIDs []string) ([]File, error) {
	now := time.Now()
	var out []File
	var misses []string
	s.mu.Lock()
	for _, id := range folderIDs {
		if c, ok := s.cache[id]; ok && now.Sub(c.at) < listingTTL {
			out = append(out, c.files...)
			continue
		}
		misses = append(misses, id)
	}
	s.mu.Unlock()
	if len(misses) == 0 {
		return out, nil
	}

	fetched, err := client.ListChildren(ctx, misses)
	if err != nil {
		return nil, err
	}
	byParent := make(map[string][]File, len(misses))
	for _, id := range misses {
		byParent[id] = nil
	}
	for _, f := range fetched {
		for _, p := range f.Parents {
			if _, want := byParent[p]; want {
				byParent[p] = append(byParent[p], f)
			}
		}
	}
	s.mu.Lock()
	for id, files := range byParent {
		s.cache[id] = cachedListing{files: files, at: now}
	}
	s.mu.Unlock()
	for _, files := range byParent {
		out = append(out, files...)
	}
	return out, nil
}

func parentIn(parents []string, nodes map[string]*profile.Node) *profile.Node {
	for _, p := range parents {
		if n, ok := nodes[p]; ok {
			return n
		}
	}
	return nil
}

// DownloadFolder fetches every file under folderID into destDir, preserving
// relative paths. Progress is reported in bytes over the folder total.
func (s *Scanner) DownloadFolder(ctx context.Context, src *catalog.ImportSource, folderID, destDir string, progress func(done, total int64, name string)) error {
	client, err := s.ClientFor(ctx, src)
	if err != nil {
		return err
	}
	root, err := s.buildTree(ctx, client, folderID, filepath.Base(destDir))
	if err != nil {
		return err
	}
	type item struct {
		rel  string
		node *profile.Node
	}
	var files []item
	var total int64
	var walk func(n *profile.Node, rel string)
	walk = func(n *profile.Node, rel string) {
		for _, c := range n.Children {
			crel := filepath.Join(rel, c.Name)
			if c.IsDir {
				walk(c, crel)
				continue
			}
			files = append(files, item{rel: crel, node: c})
			total += c.Size
		}
	}
	walk(root, "")

	var done int64
	for _, f := range files {
		dest := filepath.Join(destDir, f.rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		out, err := os.Create(dest)
		if err != nil {
			return err
		}
		base := done
		_, err = client.Download(ctx, f.node.Ref, out, func(written int64) {
			if progress != nil {
				progress(base+written, total, f.node.Name)
			}
		})
		cerr := out.Close()
		if err != nil {
			return fmt.Errorf("download %s: %w", f.rel, err)
		}
		if cerr != nil {
			return cerr
		}
		done = base + f.node.Size
	}
	if progress != nil && total > 0 {
		progress(total, total, "")
	}
	return nil
}

// ClientFor builds an authenticated Drive client for the source's stored
// credential, refreshing the token proactively when it is close to expiry.
func (s *Scanner) ClientFor(ctx context.Context, src *catalog.ImportSource) (*Client, error) {
	row, err := s.credentialRow(ctx, src)
	if err != nil {
		return nil, err
	}
	plaintext, err := s.box.Open(row.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("google credential: %w", err)
	}
	var cred StoredCredential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return nil, fmt.Errorf("google credential: %w", err)
	}
	if cred.Token == nil {
		return nil, errors.New("google credential holds no token")
	}
	conf := &oauth2.Config{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		Endpoint:     OAuthEndpoint,
		Scopes:       driveScopes,
	}
	tok := *cred.Token
	if tok.RefreshToken != "" && time.Until(tok.Expiry) < refreshWindow {
		tok.Expiry = time.Now().Add(-time.Minute)
	}
	ts := &savingSource{
		inner: conf.TokenSource(ctx, &tok),
		ctx:   ctx,
		store: s.store,
		box:   s.box,
		row:   row,
		cred:  cred,
		last:  cred.Token.AccessToken,
	}
	return NewClient(oauth2.NewClient(ctx, oauth2.ReuseTokenSource(nil, ts)), s.limiter), nil
}

func (s *Scanner) credentialRow(ctx context.Context, src *catalog.ImportSource) (*catalog.Credential, error) {
	if src.CredentialID != nil {
		return s.store.GetCredentialByID(ctx, *src.CredentialID)
	}
	return s.store.GetCredential(ctx, "google")
}

// savingSource persists refreshed tokens back into the credential row so the
// next process start does not need another consent round-trip.
type savingSource struct {
	inner oauth2.TokenSource
	ctx   context.Context
	store *catalog.Store
	box   *secrets.Box
	row   *catalog.Credential
	cred  StoredCredential

	mu   sync.Mutex
	last string
}

// Token implements oauth2.TokenSource.
func (t *savingSource) Token() (*oauth2.Token, error) {
	tok, err := t.inner.Token()
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if tok.AccessToken == t.last {
		return tok, nil
	}
	t.last = tok.AccessToken
	t.cred.Token = tok
	plaintext, err := json.Marshal(t.cred)
	if err != nil {
		return tok, nil
	}
	sealed, err := t.box.Seal(plaintext)
	if err != nil {
		return tok, nil
	}
	t.row.Ciphertext = sealed
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry
		t.row.ExpiresAt = &exp
	}
	if err := t.store.SaveCredential(t.ctx, t.row); err != nil {
		log.Errorf(t.ctx, err, "persist refreshed google token")
	}
	return tok, nil
}
