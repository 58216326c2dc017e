// Package phpbb implements the phpBB forum import source: an HTML-scraping
// client that logs into a board, walks a forum's topics and downloads topic
// attachments, plus the scanner mapping topics onto import candidates.
package phpbb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/dustin/go-humanize"
)

// requestSpacing is the courtesy delay between page fetches; forum boards
// are small installations, not APIs.
const requestSpacing = time.Second

// maxForumPages caps pagination so a misparsed board cannot loop forever.
const maxForumPages = 200

var (
	// ErrLoginFailed is returned when the board rejects the credentials.
	ErrLoginFailed = errors.New("forum login failed")
	// ErrSessionExpired is returned when a page that requires a session shows
	// the login form instead.
	ErrSessionExpired = errors.New("forum session expired")
)

type (
	// Topic is one forum thread.
	Topic struct {
		ID    int64
		Title string
	}

	// Attachment is one file attached to a topic's posts.
	Attachment struct {
		ID       int64
		Filename string
		Size     int64
	}

	// Client scrapes one phpBB board. The cookie jar carries the session;
	// fetches are spaced out to stay polite.
	Client struct {
		hc   *http.Client
		base *url.URL

		lastFetch time.Time
	}
)

// NewClient constructs a client for the board at baseURL (the directory
// holding viewforum.php).
func NewClient(baseURL string) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("forum url: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		hc:   &http.Client{Jar: jar, Timeout: 60 * time.Second},
		base: base,
	}, nil
}

// Login authenticates against ucp.php. phpBB protects the form with a
// creation-time token pair, so the form page is fetched first and its hidden
// fields carried over.
func (c *Client) Login(ctx context.Context, username, password string) error {
	doc, err := c.fetch(ctx, "ucp.php?mode=login")
	if err != nil {
		return err
	}
	form := url.Values{
		"username": {username},
		"password": {password},
		"login":    {"Login"},
	}
	doc.Find("form#login input[type=hidden]").Each(func(_ int, sel *goquery.Selection) {
		name, _ := sel.Attr("name")
		value, _ := sel.Attr("value")
		if name != "" {
			form.Set(name, value)
		}
	})
	// Token-protected boards reject instant submissions.
	if form.Has("creation_time") {
		time.Sleep(2 * time.Second)
	}

	c.space()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.abs("ucp.php?mode=login"), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	page, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return err
	}
	if !loggedIn(page) {
		return ErrLoginFailed
	}
	return nil
}

// LoggedIn reports whether the session is still valid.
func (c *Client) LoggedIn(ctx context.Context) (bool, error) {
	doc, err := c.fetch(ctx, "index.php")
	if err != nil {
		return false, err
	}
	return loggedIn(doc), nil
}

// loggedIn checks for the logout link phpBB renders for authenticated users.
func loggedIn(doc *goquery.Document) bool {
	found := false
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		if strings.Contains(href, "mode=logout") {
			found = true
			return false
		}
		return true
	})
	return found
}

// ForumTopics walks the forum's topic list across pagination pages.
func (c *Client) ForumTopics(ctx context.Context, forumID int) ([]Topic, error) {
	var out []Topic
	seen := map[int64]bool{}
	perPage := 0
	for page := 0; page < maxForumPages; page++ {
		path := fmt.Sprintf("viewforum.php?f=%d", forumID)
		if page > 0 {
			path += fmt.Sprintf("&start=%d", page*perPage)
		}
		doc, err := c.fetch(ctx, path)
		if err != nil {
			return nil, err
		}
		if page == 0 && !loggedIn(doc) {
			return nil, ErrSessionExpired
		}
		added := 0
		doc.Find("a.topictitle").Each(func(_ int, sel *goquery.Selection) {
			href, _ := sel.Attr("href")
			id := queryID(href, "t")
			if id == 0 || seen[id] {
				return
			}
			seen[id] = true
			out = append(out, Topic{ID: id, Title: strings.TrimSpace(sel.Text())})
			added++
		})
		if added == 0 {
			break
		}
		if page == 0 {
			perPage = added
		}
	}
	return out, nil
}

// TopicAttachments lists the attachments of every post in a topic.
func (c *Client) TopicAttachments(ctx context.Context, topicID int64) ([]Attachment, error) {
	var out []Attachment
	seen := map[int64]bool{}
	doc, err := c.fetch(ctx, fmt.Sprintf("viewtopic.php?t=%d", topicID))
	if err != nil {
		return nil, err
	}
	doc.Find("dl.attachbox dd, div.attachbox dd, dl.file").Each(func(_ int, sel *goquery.Selection) {
		link := sel.Find("a[href*='file.php']").First()
		if link.Length() == 0 {
			return
		}
		href, _ := link.Attr("href")
		id := queryID(href, "id")
		if id == 0 || seen[id] {
			return
		}
		name := strings.TrimSpace(link.Text())
		if name == "" {
			return
		}
		seen[id] = true
		out = append(out, Attachment{
			ID:       id,
			Filename: name,
			Size:     parseSize(sel.Text()),
		})
	})
	return out, nil
}

// Download streams one attachment into w.
func (c *Client) Download(ctx context.Context, attachmentID int64, w io.Writer) (int64, error) {
	c.space()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.abs(fmt.Sprintf("download/file.php?id=%d", attachmentID)), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download attachment %d: %s", attachmentID, resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "text/html") {
		return 0, ErrSessionExpired
	}
	return io.Copy(w, resp.Body)
}

func (c *Client) fetch(ctx context.Context, path string) (*goquery.Document, error) {
	c.space()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.abs(path), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: %s", path, resp.Status)
	}
	return goquery.NewDocumentFromReader(resp.Body)
}

func (c *Client) space() {
	if since := time.Since(c.lastFetch); since < requestSpacing {
		time.Sleep(requestSpacing - since)
	}
	c.lastFetch = time.Now()
}

func (c *Client) abs(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return c.base.String() + path
	}
	return c.base.ResolveReference(ref).String()
}

// queryID pulls a numeric query parameter out of a (possibly relative) href.
func queryID(href, param string) int64 {
	u, err := url.Parse(href)
	if err != nil {
		return 0
	}
	id, err := strconv.ParseInt(u.Query().Get(param), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

var sizeRe = regexp.MustCompile(`(?i)\(?([\d.,]+\s*[KMGT]?i?B)\)?`)

// parseSize extracts a human-formatted byte count ("253.42 KiB") from the
// attachment box text. Unparseable sizes come back as zero.
func parseSize(text string) int64 {
	m := sizeRe.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	n, err := humanize.ParseBytes(strings.ReplaceAll(m[1], ",", ""))
	if err != nil {
		return 0
	}
	return int64(n)
}
