package render

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/lalithlochan/dripmail/internal/tracking"
)

// LinkMapper returns the replacement for the href of the anchor at index.
type LinkMapper func(index int, href string) (string, error)

// RewriteLinks parses doc and replaces trackable anchor hrefs using mapFn.
// Anchors are indexed by position among all anchors in document order.
// Empty, mailto:, tel: and fragment hrefs are left alone, as are links to the
// tracking or unsubscribe endpoints of siteURL (or relative ones).
func RewriteLinks(doc, siteURL string, mapFn LinkMapper) (string, error) {
	site, err := url.Parse(siteURL)
	if err != nil {
		return "", fmt.Errorf("parse site url: %w", err)
	}

	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	index := 0
	var walk func(n *html.Node) error
	walk = func(n *html.Node) error {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			i := index
			index++
			for k := range n.Attr {
				if n.Attr[k].Key != "href" || !trackable(n.Attr[k].Val, site.Host) {
					continue
				}
				replaced, err := mapFn(i, n.Attr[k].Val)
				if err != nil {
					return fmt.Errorf("link %d: %w", i, err)
				}
				n.Attr[k].Val = replaced
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return buf.String(), nil
}

func trackable(href, siteHost string) bool {
	href = strings.TrimSpace(href)
	lower := strings.ToLower(href)

	switch {
	case href == "":
		return false
	case strings.HasPrefix(lower, "mailto:"), strings.HasPrefix(lower, "tel:"), strings.HasPrefix(href, "#"):
		return false
	}

	u, err := url.Parse(href)
	if err != nil {
		return true
	}
	if u.Host != "" && !strings.EqualFold(u.Host, siteHost) {
		return true
	}
	return !strings.HasPrefix(u.Path, tracking.TrackPrefix) && !strings.HasPrefix(u.Path, tracking.UnsubscribePath)
}
