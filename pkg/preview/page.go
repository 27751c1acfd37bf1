// Package preview queries the page served by a starter's dev server
package preview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/starterkit/starterkit/pkg/types"
)

// ErrTextNotFound is returned when a query never matched before the deadline
var ErrTextNotFound = errors.New("content not found")

// Page polls a URL and looks for rendered content. Only the markup returned
// by the server is inspected; client-side scripts are not executed.
type Page struct {
	url         string
	client      *http.Client
	interval    time.Duration
	maxInterval time.Duration
}

// Option configures a Page
type Option func(*Page)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(p *Page) { p.client = c }
}

// WithPollInterval sets the first retry delay
func WithPollInterval(d time.Duration) Option {
	return func(p *Page) {
		if d > 0 {
			p.interval = d
		}
	}
}

// NewPage creates a Page for url
func NewPage(url string, opts ...Option) *Page {
	p := &Page{
		url:         url,
		client:      &http.Client{Timeout: 10 * time.Second},
		interval:    250 * time.Millisecond,
		maxInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// URL returns the page address
func (p *Page) URL() string { return p.url }

// GetByText waits until the page contains text
func (p *Page) GetByText(ctx context.Context, text string) error {
	return p.Wait(ctx, types.Query{Text: text})
}

// GetByRole waits until an element with role and accessible name exists.
// Only the heading role is supported; level 0 matches any level.
func (p *Page) GetByRole(ctx context.Context, role string, level int, name string) error {
	return p.Wait(ctx, types.Query{Role: role, Level: level, Name: name})
}

// Wait polls the page with exponential backoff until q matches or ctx ends
func (p *Page) Wait(ctx context.Context, q types.Query) error {
	var lastErr error

	op := func() (struct{}, error) {
		doc, err := p.fetch(ctx)
		if err != nil {
			lastErr = err
			return struct{}{}, err
		}

		ok, err := Match(doc, q)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if !ok {
			lastErr = nil
			return struct{}{}, fmt.Errorf("%w: %s", ErrTextNotFound, q)
		}
		return struct{}{}, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.interval
	b.MaxInterval = p.maxInterval

	_, err := backoff.Retry(ctx, op, backoff.WithBackOff(b))
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTextNotFound) || errors.Is(err, ErrUnsupportedRole) {
		return err
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %s at %s: %v", ErrTextNotFound, q, p.url, lastErr)
	}
	return fmt.Errorf("%w: %s at %s: %v", ErrTextNotFound, q, p.url, err)
}

func (p *Page) fetch(ctx context.Context) (*html.Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "text/html")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("GET %s: %s", p.url, resp.Status)
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", p.url, err)
	}
	return doc, nil
}

// ErrUnsupportedRole is returned for roles other than heading
var ErrUnsupportedRole = errors.New("unsupported role")

// Match reports whether doc satisfies q
func Match(doc *html.Node, q types.Query) (bool, error) {
	switch q.Role {
	case "":
		return ContainsText(doc, q.Text), nil
	case "heading":
		return HasHeading(doc, q.Level, q.Name), nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnsupportedRole, q.Role)
	}
}

// ContainsText reports whether any element's visible text contains text.
// Whitespace is collapsed on both sides before comparing.
func ContainsText(doc *html.Node, text string) bool {
	want := normalize(text)
	if want == "" {
		return false
	}
	return strings.Contains(textContent(doc), want)
}

// HasHeading reports whether doc has a heading with the given accessible
// name. level 0 matches any level.
func HasHeading(doc *html.Node, level int, name string) bool {
	want := normalize(name)
	found := false

	walk(doc, func(n *html.Node) bool {
		if found {
			return false
		}
		l, ok := headingLevel(n)
		if !ok {
			return true
		}
		if (level == 0 || l == level) && accessibleName(n) == want {
			found = true
			return false
		}
		return true
	})
	return found
}

func headingLevel(n *html.Node) (int, bool) {
	if n.Type != html.ElementNode {
		return 0, false
	}
	switch n.DataAtom {
	case atom.H1:
		return 1, true
	case atom.H2:
		return 2, true
	case atom.H3:
		return 3, true
	case atom.H4:
		return 4, true
	case atom.H5:
		return 5, true
	case atom.H6:
		return 6, true
	}
	if attr(n, "role") == "heading" {
		level, err := strconv.Atoi(attr(n, "aria-level"))
		if err != nil {
			level = 2
		}
		return level, true
	}
	return 0, false
}

func accessibleName(n *html.Node) string {
	if label := attr(n, "aria-label"); label != "" {
		return normalize(label)
	}
	return textContent(n)
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// textContent concatenates the visible text below n
func textContent(n *html.Node) string {
	var sb strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.ElementNode && hidden(c) {
			return false
		}
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
		return true
	})
	return normalize(sb.String())
}

func hidden(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Template, atom.Noscript, atom.Head:
		return true
	}
	return attr(n, "aria-hidden") == "true"
}

// walk visits n and its descendants depth first; returning false skips
// the children of the current node
func walk(n *html.Node, visit func(*html.Node) bool) {
	if !visit(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, visit)
	}
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
