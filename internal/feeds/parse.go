package feeds

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"

	"github.com/joelklabo/autoblog/internal/core"
)

// maxSummaryRunes caps the plain-text summary kept per item.
const maxSummaryRunes = 2000

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	GUID        string `xml:"guid"`
	PubDate     string `xml:"pubDate"`
	Date        string `xml:"http://purl.org/dc/elements/1.1/ date"`
}

type rssEnvelope struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

// RSS 1.0 keeps items next to the channel, directly under rdf:RDF.
type rdfEnvelope struct {
	Items []rssItem `xml:"item"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
}

type atomEnvelope struct {
	Entries []struct {
		Title     string     `xml:"title"`
		Links     []atomLink `xml:"link"`
		Summary   string     `xml:"summary"`
		Content   string     `xml:"content"`
		ID        string     `xml:"id"`
		Updated   string     `xml:"updated"`
		Published string     `xml:"published"`
	} `xml:"entry"`
}

func parseTimeString(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	layouts := []string{
		time.RFC3339,
		time.RFC3339Nano,
		time.RFC1123Z,
		time.RFC1123,
		time.RFC850,
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"Mon, 2 Jan 2006 15:04:05 MST",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// plainText reduces an HTML fragment to whitespace-collapsed text.
func plainText(fragment string) string {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return ""
	}
	text := fragment
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment)); err == nil {
		text = doc.Text()
	}
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > maxSummaryRunes {
		text = string(r[:maxSummaryRunes])
	}
	return text
}

// itemGUID picks the dedup identity: guid, else link, else a title hash.
func itemGUID(guid, link, title string) string {
	if g := strings.TrimSpace(guid); g != "" {
		return g
	}
	if l := strings.TrimSpace(link); l != "" {
		return l
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(title)))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Parse decodes an RSS 2.0, RSS 1.0 (RDF) or Atom document into items for
// sourceID. Items with neither title nor link are skipped.
func Parse(sourceID string, data []byte) ([]core.FeedItem, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charset.NewReaderLabel
	var root xml.StartElement
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decode feed: %v: %w", err, core.ErrFeedParse)
		}
		if se, ok := tok.(xml.StartElement); ok {
			root = se
			break
		}
	}

	var items []core.FeedItem
	switch strings.ToLower(root.Name.Local) {
	case "rss":
		var rss rssEnvelope
		if err := dec.DecodeElement(&rss, &root); err != nil {
			return nil, fmt.Errorf("decode rss: %v: %w", err, core.ErrFeedParse)
		}
		items = fromRSS(sourceID, rss.Channel.Items)
	case "rdf":
		var rdf rdfEnvelope
		if err := dec.DecodeElement(&rdf, &root); err != nil {
			return nil, fmt.Errorf("decode rdf: %v: %w", err, core.ErrFeedParse)
		}
		items = fromRSS(sourceID, rdf.Items)
	case "feed":
		var atom atomEnvelope
		if err := dec.DecodeElement(&atom, &root); err != nil {
			return nil, fmt.Errorf("decode atom: %v: %w", err, core.ErrFeedParse)
		}
		for _, entry := range atom.Entries {
			link := atomHref(entry.Links)
			title := strings.TrimSpace(entry.Title)
			if link == "" && title == "" {
				continue
			}
			published := parseTimeString(entry.Published)
			if published.IsZero() {
				published = parseTimeString(entry.Updated)
			}
			desc := entry.Summary
			if strings.TrimSpace(desc) == "" {
				desc = entry.Content
			}
			items = append(items, core.FeedItem{
				SourceID:    sourceID,
				GUID:        itemGUID(entry.ID, link, title),
				Title:       title,
				Link:        link,
				Summary:     plainText(desc),
				PublishedAt: published,
			})
		}
	default:
		return nil, fmt.Errorf("unexpected root element <%s>: %w", root.Name.Local, core.ErrFeedParse)
	}
	return items, nil
}

func fromRSS(sourceID string, in []rssItem) []core.FeedItem {
	out := make([]core.FeedItem, 0, len(in))
	for _, it := range in {
		link := strings.TrimSpace(it.Link)
		title := strings.TrimSpace(it.Title)
		if link == "" && title == "" {
			continue
		}
		published := parseTimeString(it.PubDate)
		if published.IsZero() {
			published = parseTimeString(it.Date)
		}
		out = append(out, core.FeedItem{
			SourceID:    sourceID,
			GUID:        itemGUID(it.GUID, link, title),
			Title:       title,
			Link:        link,
			Summary:     plainText(it.Description),
			PublishedAt: published,
		})
	}
	return out
}

// atomHref prefers the alternate link, then any link with an href.
func atomHref(links []atomLink) string {
	for _, l := range links {
		if (l.Rel == "" || l.Rel == "alternate") && strings.TrimSpace(l.Href) != "" {
			return strings.TrimSpace(l.Href)
		}
	}
	for _, l := range links {
		if h := strings.TrimSpace(l.Href); h != "" {
			return h
		}
	}
	return ""
}
