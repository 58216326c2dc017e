package ingest

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/printvault/printvault/internal/catalog"
	"github.com/printvault/printvault/internal/telegram"
)

// ExternalLink is a recognised platform reference found in a caption.
type ExternalLink struct {
	// Type is the platform name ("thangs", "printables", "thingiverse").
	Type string
	// ExternalID is the platform-local model id.
	ExternalID string
	// URL is the canonical model URL.
	URL string
}

var (
	// Thangs model URLs appear in three shapes; all carry the numeric model
	// id as the last path element or slug suffix.
	thangsModelRe    = regexp.MustCompile(`(?i)thangs\.com/m/(\d+)`)
	thangsDesignerRe = regexp.MustCompile(`(?i)thangs\.com/designer/[^/\s]+/3d-model/[^\s]*?-(\d+)(?:[/?#]|\b)`)
	thangsSlugRe     = regexp.MustCompile(`(?i)thangs\.com/[^\s]*?-(\d+)(?:[/?#]|\b)`)

	printablesRe  = regexp.MustCompile(`(?i)printables\.com/(?:[a-z]{2}/)?model/(\d+)`)
	thingiverseRe = regexp.MustCompile(`(?i)thingiverse\.com/thing[:/](\d+)`)
)

// ExtractExternalLinks scans text for known platform model URLs. Each
// platform id is reported once with a canonical URL.
func ExtractExternalLinks(text string) []ExternalLink {
	var out []ExternalLink
	seen := map[string]bool{}
	add := func(typ, id, url string) {
		key := typ + ":" + id
		if id == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, ExternalLink{Type: typ, ExternalID: id, URL: url})
	}
	for _, re := range []*regexp.Regexp{thangsModelRe, thangsDesignerRe, thangsSlugRe} {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			add("thangs", m[1], "https://thangs.com/m/"+m[1])
		}
	}
	for _, m := range printablesRe.FindAllStringSubmatch(text, -1) {
		add("printables", m[1], "https://www.printables.com/model/"+m[1])
	}
	for _, m := range thingiverseRe.FindAllStringSubmatch(text, -1) {
		add("thingiverse", m[1], "https://www.thingiverse.com/thing:"+m[1])
	}
	return out
}

var (
	inviteLinkRe  = regexp.MustCompile(`(?i)t\.me/(?:\+|joinchat/)([A-Za-z0-9_-]+)`)
	channelLinkRe = regexp.MustCompile(`(?i)(https?://)?t\.me/([A-Za-z0-9_]{4,})`)
	mentionRe     = regexp.MustCompile(`(^|\s)@([A-Za-z0-9_]{4,})`)
)

// reservedLinkNames are t.me path elements that are not channel handles.
var reservedLinkNames = map[string]bool{
	"joinchat": true, "addstickers": true, "share": true, "proxy": true,
	"socks": true, "iv": true, "s": true,
}

// DiscoverRefs extracts references to other channels from a message: forward
// origins, invite and channel links, and @mentions. Bot handles are skipped.
func DiscoverRefs(msg telegram.RemoteMessage) []catalog.DiscoveredRef {
	var out []catalog.DiscoveredRef
	seen := map[string]bool{}
	add := func(ref catalog.DiscoveredRef) {
		key := fmt.Sprintf("%s|%s|%s", ref.PeerID, strings.ToLower(ref.Username), ref.InviteHash)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, ref)
	}

	if fw := msg.ForwardFrom; fw != nil && (fw.ID != "" || fw.Username != "") {
		if !isBotHandle(fw.Username) {
			add(catalog.DiscoveredRef{
				PeerID:     fw.ID,
				Username:   fw.Username,
				Title:      fw.Title,
				SourceType: catalog.DiscoveryForward,
			})
		}
	}

	for _, m := range inviteLinkRe.FindAllStringSubmatch(msg.Text, -1) {
		add(catalog.DiscoveredRef{InviteHash: m[1], SourceType: catalog.DiscoveryCaptionLink})
	}
	for _, m := range channelLinkRe.FindAllStringSubmatch(msg.Text, -1) {
		handle := m[2]
		if reservedLinkNames[strings.ToLower(handle)] || isBotHandle(handle) {
			continue
		}
		src := catalog.DiscoveryCaptionLink
		if m[1] != "" {
			src = catalog.DiscoveryTextLink
		}
		add(catalog.DiscoveredRef{Username: handle, SourceType: src})
	}
	for _, m := range mentionRe.FindAllStringSubmatch(msg.Text, -1) {
		if isBotHandle(m[2]) {
			continue
		}
		add(catalog.DiscoveredRef{Username: m[2], SourceType: catalog.DiscoveryMention})
	}
	return out
}

func isBotHandle(username string) bool {
	return strings.HasSuffix(strings.ToLower(username), "bot")
}
