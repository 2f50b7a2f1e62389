package importer

import (
	"bytes"
	"mime"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// feedKind はフィードの種類（RSS/Atom）を表す。
type feedKind string

const (
	feedKindRSS  feedKind = "rss"
	feedKindAtom feedKind = "atom"
)

// feedLink はHTMLのheadから検出されたフィードへのリンク。
type feedLink struct {
	URL  string
	Kind feedKind
}

// mediaTypeOf はContent-Typeからパラメータを除いたメディアタイプを小文字で返す。
func mediaTypeOf(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	return strings.ToLower(mediaType)
}

// isFeedResponse はContent-Typeとボディからレスポンスがフィードそのものかを判定する。
// 汎用のXML Content-Typeの場合は先頭のルート要素を見て判断する。
func isFeedResponse(contentType string, body []byte) bool {
	switch mediaTypeOf(contentType) {
	case "application/rss+xml", "application/atom+xml", "application/feed+json":
		return true
	case "text/xml", "application/xml", "":
		return looksLikeFeed(body)
	default:
		return false
	}
}

// isHTMLResponse はレスポンスがHTMLかを判定する。
func isHTMLResponse(contentType string) bool {
	return strings.Contains(mediaTypeOf(contentType), "html")
}

// looksLikeFeed はボディ先頭4KBにRSSまたはAtomのルート要素があるかを返す。
func looksLikeFeed(body []byte) bool {
	if len(body) > 4096 {
		body = body[:4096]
	}
	prefix := strings.ToLower(string(body))
	if strings.Contains(prefix, "<rss") || strings.Contains(prefix, "<rdf:rdf") {
		return true
	}
	return strings.Contains(prefix, "<feed") && strings.Contains(prefix, "http://www.w3.org/2005/atom")
}

// findFeedLinks はHTMLのheadにある<link rel="alternate">からフィードのリンクを集める。
// 相対URLはpageURLを基準に解決する。
func findFeedLinks(page []byte, pageURL string) []feedLink {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}

	var links []feedLink
	z := html.NewTokenizer(bytes.NewReader(page))
	inHead := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			return links

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch string(name) {
			case "head":
				inHead = true
				continue
			case "body":
				return links
			case "link":
			default:
				continue
			}
			if !inHead || !hasAttr {
				continue
			}

			var rel, typ, href string
			for {
				key, val, more := z.TagAttr()
				switch strings.ToLower(string(key)) {
				case "rel":
					rel = strings.ToLower(string(val))
				case "type":
					typ = strings.ToLower(string(val))
				case "href":
					href = strings.TrimSpace(string(val))
				}
				if !more {
					break
				}
			}
			if !hasToken(rel, "alternate") || href == "" {
				continue
			}

			var kind feedKind
			switch typ {
			case "application/rss+xml":
				kind = feedKindRSS
			case "application/atom+xml":
				kind = feedKindAtom
			default:
				continue
			}

			ref, err := url.Parse(href)
			if err != nil {
				continue
			}
			links = append(links, feedLink{URL: base.ResolveReference(ref).String(), Kind: kind})

		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "head" {
				return links
			}
		}
	}
}

// hasToken は空白区切りの属性値にtokenが含まれるかを返す。
func hasToken(attr, token string) bool {
	for _, f := range strings.Fields(attr) {
		if f == token {
			return true
		}
	}
	return false
}

// pickFeedLink は候補から取り込むフィードを選ぶ。
// 同一ホストのリンクを優先し、同条件ならAtom、さらに同条件なら先に現れたものを選ぶ。
func pickFeedLink(links []feedLink, pageURL string) (feedLink, bool) {
	if len(links) == 0 {
		return feedLink{}, false
	}
	pageHost := hostOf(pageURL)

	best, bestScore := 0, -1
	for i, l := range links {
		score := 0
		if hostOf(l.URL) == pageHost {
			score += 100
		}
		if l.Kind == feedKindAtom {
			score += 10
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return links[best], true
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
