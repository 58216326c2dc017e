// Package gdrive implements the Google Drive import source: a minimal Drive
// v3 REST client with OAuth2 credentials, batched folder listing, incremental
// change tracking and chunked media download, plus the scanner that turns a
// Drive folder into detection candidates.
package gdrive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/printvault/printvault/internal/ratelimit"
)

const (
	apiBase = "https://www.googleapis.com/drive/v3"

	// FolderMimeType marks Drive folders in file listings.
	FolderMimeType = "application/vnd.google-apps.folder"

	// maxParentsPerQuery bounds how many folder ids one files.list call may
	// cover; Drive rejects overlong q expressions.
	maxParentsPerQuery = 100

	listPageSize = 1000
	maxRetries   = 5
)

type (
	// File is one Drive entry.
	File struct {
		ID           string    `json:"id"`
		Name         string    `json:"name"`
		MimeType     string    `json:"mimeType"`
		Size         int64     `json:"size,string"`
		ModifiedTime time.Time `json:"modifiedTime"`
		Parents      []string  `json:"parents"`
	}

	// Change is one entry of a changes.list page.
	Change struct {
		FileID  string `json:"fileId"`
		Removed bool   `json:"removed"`
		File    *File  `json:"file"`
	}

	// Client is a Drive v3 REST client. The HTTP client must carry OAuth2
	// credentials; every call goes through the shared rate limiter.
	Client struct {
		hc      *http.Client
		limiter *ratelimit.Limiter

		sleep func(ctx context.Context, d time.Duration) error
	}
)

// NewClient wraps an authenticated HTTP client.
func NewClient(hc *http.Client, limiter *ratelimit.Limiter) *Client {
	return &Client{hc: hc, limiter: limiter, sleep: sleepCtx}
}

// ListChildren lists the direct children of the given folders, batching up to
// maxParentsPerQuery parents per API call.
func (c *Client) ListChildren(ctx context.Context, parentIDs []string) ([]File, error) {
	var out []File
	for start := 0; start < len(parentIDs); start += maxParentsPerQuery {
		end := start + maxParentsPerQuery
		if end > len(parentIDs) {
			end = len(parentIDs)
		}
		batch, err := c.listBatch(ctx, parentIDs[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (c *Client) listBatch(ctx context.Context, parentIDs []string) ([]File, error) {
	terms := make([]string, len(parentIDs))
	for i, id := range parentIDs {
		terms[i] = fmt.Sprintf("'%s' in parents", id)
	}
	q := fmt.Sprintf("trashed = false and (%s)", strings.Join(terms, " or "))

	var out []File
	pageToken := ""
	for {
		params := url.Values{
			"q":        {q},
			"fields":   {"nextPageToken, files(id,name,mimeType,size,modifiedTime,parents)"},
			"pageSize": {strconv.Itoa(listPageSize)},
		}
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}
		var page struct {
			NextPageToken string `json:"nextPageToken"`
			Files         []File `json:"files"`
		}
		if err := c.get(ctx, apiBase+"/files?"+params.Encode(), &page); err != nil {
			return nil, fmt.Errorf("list files: %w", err)
		}
		out = append(out, page.Files...)
		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

// StartPageToken returns the cursor for future change queries.
func (c *Client) StartPageToken(ctx context.Context) (string, error) {
	var resp struct {
		StartPageToken string `json:"startPageToken"`
	}
	if err := c.get(ctx, apiBase+"/changes/startPageToken", &resp); err != nil {
		return "", fmt.Errorf("start page token: %w", err)
	}
	return resp.StartPageToken, nil
}

// Changes lists everything changed since the given cursor and returns the
// next cursor.
func (c *Client) Changes(ctx context.Context, token string) ([]Change, string, error) {
	var out []Change
	for {
		params := url.Values{
			"pageToken": {token},
			"fields":    {"nextPageToken, newStartPageToken, changes(fileId,removed,file(id,name,mimeType,size,modifiedTime,parents))"},
		}
		var page struct {
			NextPageToken     string   `json:"nextPageToken"`
			NewStartPageToken string   `json:"newStartPageToken"`
			Changes           []Change `json:"changes"`
		}
		if err := c.get(ctx, apiBase+"/changes?"+params.Encode(), &page); err != nil {
			return nil, "", fmt.Errorf("list changes: %w", err)
		}
		out = append(out, page.Changes...)
		if page.NextPageToken == "" {
			return out, page.NewStartPageToken, nil
		}
		token = page.NextPageToken
	}
}

// Download streams a file's content into w, reporting progress as bytes are
// written.
func (c *Client) Download(ctx context.Context, fileID string, w io.Writer, progress func(written int64)) (int64, error) {
	resp, err := c.doRetry(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet,
			apiBase+"/files/"+url.PathEscape(fileID)+"?alt=media", nil)
	})
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", fileID, err)
	}
	defer resp.Body.Close()

	var written int64
	buf := make([]byte, 1<<20)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
			if progress != nil {
				progress(written)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

func (c *Client) get(ctx context.Context, rawURL string, out any) error {
	resp, err := c.doRetry(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

// doRetry issues the request, retrying 429 and 5xx responses with jittered
// exponential backoff capped at five minutes.
func (c *Client) doRetry(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := c.limiter.Acquire(ctx, "gdrive"); err != nil {
			return nil, err
		}
		req, err := build()
		if err != nil {
			return nil, err
		}
		resp, err := c.hc.Do(req)
		if err != nil {
			lastErr = err
		} else if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			lastErr = fmt.Errorf("drive api: %s: %s", resp.Status, strings.TrimSpace(string(body)))
			if resp.StatusCode == http.StatusTooManyRequests {
				c.limiter.SetBackoff("gdrive", retryDelay(attempt))
			}
		} else if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return nil, fmt.Errorf("drive api: %s: %s", resp.Status, strings.TrimSpace(string(body)))
		} else {
			return resp, nil
		}
		d := retryDelay(attempt)
		log.Debugf(ctx, "drive call failed (attempt %d/%d), retrying in %s: %v",
			attempt+1, maxRetries, d, lastErr)
		if err := c.sleep(ctx, d); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// retryDelay is min(2·2^attempt, 300) seconds with ±30% jitter.
func retryDelay(attempt int) time.Duration {
	secs := 2.0
	for i := 0; i < attempt && secs < 300; i++ {
		secs *= 2
	}
	if secs > 300 {
		secs = 300
	}
	jitter := 1 + (rand.Float64()*0.6 - 0.3)
	return time.Duration(secs * jitter * float64(time.Second))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
