package feed

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// feedLink はHTMLのheadから検出したフィードリンク。
type feedLink struct {
	URL  string
	Atom bool
}

// parseFeedLinks はHTMLのheadにある rel="alternate" のRSS/Atomリンクを返す。
// 相対URLはpageURLを基準に解決する。
func parseFeedLinks(body []byte, pageURL string) []feedLink {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}

	var links []feedLink
	z := html.NewTokenizer(bytes.NewReader(body))
	inHead := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			return links

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := z.TagName()
			switch string(tn) {
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
					href = string(val)
				}
				if !more {
					break
				}
			}
			if rel != "alternate" || href == "" {
				continue
			}
			if typ != "application/rss+xml" && typ != "application/atom+xml" {
				continue
			}

			ref, err := url.Parse(href)
			if err != nil {
				continue
			}
			links = append(links, feedLink{
				URL:  base.ResolveReference(ref).String(),
				Atom: typ == "application/atom+xml",
			})

		case html.EndTagToken:
			if tn, _ := z.TagName(); string(tn) == "head" {
				return links
			}
		}
	}
}

// selectFeedLink は同一ホスト、Atom、出現順の優先度でリンクを1つ選ぶ。
// 候補がなければ空文字を返す。
func selectFeedLink(links []feedLink, pageURL string) string {
	host := hostOf(pageURL)
	best, bestScore := "", -1
	for _, l := range links {
		score := 0
		if hostOf(l.URL) == host {
			score += 100
		}
		if l.Atom {
			score += 10
		}
		if score > bestScore {
			best, bestScore = l.URL, score
		}
	}
	return best
}
