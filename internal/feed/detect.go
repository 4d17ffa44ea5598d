package feed

import (
	"bytes"
	"mime"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// FeedType はフィードの種類（RSS/Atom）を表す。
type FeedType string

const (
	// FeedTypeRSS はRSSフィード。
	FeedTypeRSS FeedType = "rss"
	// FeedTypeAtom はAtomフィード。
	FeedTypeAtom FeedType = "atom"
)

// FeedCandidate はHTMLから検出されたフィード候補を表す。
type FeedCandidate struct {
	URL      string
	FeedType FeedType
	Title    string
}

var feedContentTypes = []string{
	"application/rss+xml",
	"application/atom+xml",
}

// xmlContentTypes は汎用XMLのContent-Type。ボディを見てフィードか判定する。
var xmlContentTypes = []string{
	"text/xml",
	"application/xml",
}

func mediaTypeOf(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	return strings.ToLower(mediaType)
}

// IsDirectFeed はContent-Typeとボディからレスポンスがフィードそのものかを判定する。
func IsDirectFeed(contentType string, body []byte) bool {
	mediaType := mediaTypeOf(contentType)

	for _, ct := range feedContentTypes {
		if mediaType == ct {
			return true
		}
	}

	isXML := false
	for _, ct := range xmlContentTypes {
		if mediaType == ct {
			isXML = true
			break
		}
	}
	if !isXML || len(body) == 0 {
		return false
	}
	return looksLikeFeedXML(body)
}

// IsHTML はContent-TypeがHTMLかを判定する。
func IsHTML(contentType string) bool {
	return strings.Contains(mediaTypeOf(contentType), "html")
}

// looksLikeFeedXML はXMLの先頭4KBにRSS/Atomのルート要素があるかを判定する。
func looksLikeFeedXML(body []byte) bool {
	prefix := body
	if len(prefix) > 4096 {
		prefix = prefix[:4096]
	}
	lower := strings.ToLower(string(prefix))

	if strings.Contains(lower, "<rss") || strings.Contains(lower, "<rdf:rdf") {
		return true
	}
	return strings.Contains(lower, "<feed") && strings.Contains(lower, "http://www.w3.org/2005/atom")
}

// FindFeedLinks はHTMLのheadからrel="alternate"のRSS/Atomリンクを抽出する。
// 相対URLはbaseURLを基準に解決する。
func FindFeedLinks(htmlBody []byte, baseURL string) []FeedCandidate {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(htmlBody))
	if err != nil {
		return nil
	}

	var candidates []FeedCandidate
	doc.Find("head link").Each(func(_ int, s *goquery.Selection) {
		rel := strings.Fields(strings.ToLower(s.AttrOr("rel", "")))
		if !containsString(rel, "alternate") {
			return
		}

		var feedType FeedType
		switch strings.ToLower(strings.TrimSpace(s.AttrOr("type", ""))) {
		case "application/rss+xml":
			feedType = FeedTypeRSS
		case "application/atom+xml":
			feedType = FeedTypeAtom
		default:
			return
		}

		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}

		candidates = append(candidates, FeedCandidate{
			URL:      base.ResolveReference(ref).String(),
			FeedType: feedType,
			Title:    strings.TrimSpace(s.AttrOr("title", "")),
		})
	})
	return candidates
}

// SelectBestFeed は候補から1つを選ぶ。
// 優先順位: 同一ホスト > Atom > RSS > 先頭
func SelectBestFeed(candidates []FeedCandidate, pageURL string) *FeedCandidate {
	if len(candidates) == 0 {
		return nil
	}

	pageHost := hostOf(pageURL)
	bestIdx := 0
	bestScore := -1
	for i, c := range candidates {
		score := 0
		if hostOf(c.URL) == pageHost {
			score += 100
		}
		if c.FeedType == FeedTypeAtom {
			score += 10
		}
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	return &candidates[bestIdx]
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
