package phpbb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/printvault/printvault/internal/catalog"
	"github.com/printvault/printvault/internal/profile"
	"github.com/printvault/printvault/internal/scan"
	"github.com/printvault/printvault/internal/secrets"
)

// StoredCredential is the plaintext shape sealed into a catalog.Credential of
// kind "phpbb".
type StoredCredential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Scanner is the phpBB import-source scanner: each forum topic carrying at
// least one model or archive attachment becomes one candidate.
type Scanner struct {
	store *catalog.Store
	box   *secrets.Box

	mu      sync.Mutex
	clients map[string]*Client // by base URL, sessions reused across syncs
}

// NewScanner wires the forum scanner.
func NewScanner(store *catalog.Store, box *secrets.Box) *Scanner {
	return &Scanner{store: store, box: box, clients: map[string]*Client{}}
}

// Type implements scan.Scanner.
func (s *Scanner) Type() catalog.ImportSourceType { return catalog.SourcePhpBB }

// Scan implements scan.Scanner.
func (s *Scanner) Scan(ctx context.Context, src *catalog.ImportSource, cfg profile.Config) ([]scan.Candidate, error) {
	client, err := s.clientFor(ctx, src)
	if err != nil {
		return nil, err
	}
	topics, err := client.ForumTopics(ctx, src.ForumID)
	if err != nil {
		return nil, err
	}

	modelExt := extSet(cfg.Detection.ModelExtensions)
	archiveExt := extSet(cfg.Detection.ArchiveExtensions)
	var out []scan.Candidate
	for _, t := range topics {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		atts, err := client.TopicAttachments(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("topic %d: %w", t.ID, err)
		}
		var files []profile.File
		var total int64
		for _, a := range atts {
			ext := strings.ToLower(strings.TrimPrefix(path.Ext(a.Filename), "."))
			if !modelExt[ext] && !archiveExt[ext] {
				continue
			}
			files = append(files, profile.File{
				RelPath: a.Filename,
				Size:    a.Size,
				Ref:     strconv.FormatInt(a.ID, 10),
			})
			total += a.Size
		}
		if len(files) == 0 {
			continue
		}
		out = append(out, scan.Candidate{
			Path:        fmt.Sprintf("topic:%d", t.ID),
			Title:       t.Title,
			Designer:    src.DefaultDesigner,
			SizeBytes:   total,
			Fingerprint: scan.Fingerprint(files),
			Files:       files,
		})
	}
	return out, nil
}

// DownloadTopic fetches a topic's model and archive attachments into destDir.
// recordPath is the candidate path produced by Scan ("topic:<id>").
func (s *Scanner) DownloadTopic(ctx context.Context, src *catalog.ImportSource, recordPath, destDir string, progress func(done, total int64, name string)) error {
	topicID, err := strconv.ParseInt(strings.TrimPrefix(recordPath, "topic:"), 10, 64)
	if err != nil {
		return fmt.Errorf("record path %q: %w", recordPath, err)
	}
	client, err := s.clientFor(ctx, src)
	if err != nil {
		return err
	}
	atts, err := client.TopicAttachments(ctx, topicID)
	if err != nil {
		return err
	}
	modelExt := extSet(profile.DefaultModelExtensions())
	archiveExt := extSet(profile.DefaultArchiveExtensions())
	var wanted []Attachment
	var total int64
	for _, a := range atts {
		ext := strings.ToLower(strings.TrimPrefix(path.Ext(a.Filename), "."))
		if modelExt[ext] || archiveExt[ext] {
			wanted = append(wanted, a)
			total += a.Size
		}
	}
	var done int64
	for _, a := range wanted {
		dest := filepath.Join(destDir, filepath.Base(a.Filename))
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return err
		}
		out, err := os.Create(dest)
		if err != nil {
			return err
		}
		n, err := client.Download(ctx, a.ID, out)
		cerr := out.Close()
		if err != nil {
			return fmt.Errorf("attachment %s: %w", a.Filename, err)
		}
		if cerr != nil {
			return cerr
		}
		done += n
		if progress != nil {
			progress(done, total, a.Filename)
		}
	}
	return nil
}

// clientFor returns a logged-in client for the source's board, reusing the
// session when it is still valid.
func (s *Scanner) clientFor(ctx context.Context, src *catalog.ImportSource) (*Client, error) {
	s.mu.Lock()
	client, ok := s.clients[src.ForumBaseURL]
	s.mu.Unlock()
	if ok {
		if alive, err := client.LoggedIn(ctx); err == nil && alive {
			return client, nil
		}
	}

	client, err := NewClient(src.ForumBaseURL)
	if err != nil {
		return nil, err
	}
	cred, err := s.credential(ctx, src)
	if err != nil {
		return nil, err
	}
	if err := client.Login(ctx, cred.Username, cred.Password); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.clients[src.ForumBaseURL] = client
	s.mu.Unlock()
	return client, nil
}

func (s *Scanner) credential(ctx context.Context, src *catalog.ImportSource) (*StoredCredential, error) {
	var row *catalog.Credential
	var err error
	if src.CredentialID != nil {
		row, err = s.store.GetCredentialByID(ctx, *src.CredentialID)
	} else {
		row, err = s.store.GetCredential(ctx, "phpbb")
	}
	if err != nil {
		return nil, fmt.Errorf("forum credential: %w", err)
	}
	plaintext, err := s.box.Open(row.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("forum credential: %w", err)
	}
	var cred StoredCredential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return nil, fmt.Errorf("forum credential: %w", err)
	}
	return &cred, nil
}

func extSet(exts []string) map[string]bool {
	m := make(map[string]bool, len(exts))
	for _, e := range exts {
		m[strings.ToLower(strings.TrimPrefix(e, "."))] = true
	}
	return m
}
