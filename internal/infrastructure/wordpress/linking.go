package wordpress

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	xhtml "golang.org/x/net/html"
)

const (
	defaultMaxLinks = 6
	linkMapPageSize = 100
)

// excludedLinkParents never receive inserted links.
var excludedLinkParents = map[string]bool{
	"a": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "code": true, "pre": true, "figure": true, "figcaption": true,
}

// LinkTarget is an existing post that other posts may link to.
type LinkTarget struct {
	Link       string   `json:"link"`
	Keywords   []string `json:"keywords"`
	Categories []int    `json:"categories,omitempty"`
}

// LinkMap is the on-disk list of link targets.
type LinkMap struct {
	Posts []LinkTarget `json:"posts"`
}

// LoadLinkMap reads a link map written by SaveLinkMap.
func LoadLinkMap(path string) (LinkMap, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return LinkMap{}, fmt.Errorf("read link map: %w", err)
	}
	var lm LinkMap
	if err := json.Unmarshal(raw, &lm); err != nil {
		return LinkMap{}, fmt.Errorf("parse link map %s: %w", path, err)
	}
	return lm, nil
}

// SaveLinkMap writes lm atomically.
func SaveLinkMap(path string, lm LinkMap) error {
	raw, err := json.MarshalIndent(lm, "", "  ")
	if err != nil {
		return fmt.Errorf("encode link map: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create link map dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write link map: %w", err)
	}
	return os.Rename(tmp, path)
}

type linkOption struct {
	url        string
	categories []int
	keywords   []*regexp.Regexp
}

// Linker inserts links to existing posts into rendered bodies. Pillar posts
// go first, then posts sharing a category with the new post, then the
// rest. Each target is linked at most once, and longer keywords are tried
// before shorter ones.
type Linker struct {
	pillars []linkOption
	others  []linkOption
	max     int
}

// NewLinker compiles lm. pillars lists post URLs that always take
// precedence; maxLinks <= 0 means the default of six links.
func NewLinker(lm LinkMap, pillars []string, maxLinks int) *Linker {
	if maxLinks <= 0 {
		maxLinks = defaultMaxLinks
	}
	pillarSet := make(map[string]bool, len(pillars))
	for _, p := range pillars {
		pillarSet[p] = true
	}

	l := &Linker{max: maxLinks}
	for _, target := range lm.Posts {
		if target.Link == "" {
			continue
		}
		words := make([]string, 0, len(target.Keywords))
		for _, kw := range target.Keywords {
			if kw = strings.TrimSpace(kw); kw != "" {
				words = append(words, kw)
			}
		}
		if len(words) == 0 {
			continue
		}
		sort.SliceStable(words, func(i, j int) bool { return len(words[i]) > len(words[j]) })

		opt := linkOption{url: target.Link, categories: target.Categories}
		for _, kw := range words {
			opt.keywords = append(opt.keywords, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(kw)+`\b`))
		}
		if pillarSet[target.Link] {
			l.pillars = append(l.pillars, opt)
		} else {
			l.others = append(l.others, opt)
		}
	}
	return l
}

// Len reports how many targets the linker knows.
func (l *Linker) Len() int {
	if l == nil {
		return 0
	}
	return len(l.pillars) + len(l.others)
}

func (l *Linker) ordered(categories []int) []linkOption {
	own := make(map[int]bool, len(categories))
	for _, c := range categories {
		own[c] = true
	}
	var shared, rest []linkOption
	for _, opt := range l.others {
		if sharesCategory(opt.categories, own) {
			shared = append(shared, opt)
		} else {
			rest = append(rest, opt)
		}
	}
	out := make([]linkOption, 0, len(l.pillars)+len(shared)+len(rest))
	out = append(out, l.pillars...)
	out = append(out, shared...)
	return append(out, rest...)
}

func sharesCategory(categories []int, own map[int]bool) bool {
	for _, c := range categories {
		if own[c] {
			return true
		}
	}
	return false
}

// Apply returns body with up to max internal links. A body without any
// match is returned byte for byte.
func (l *Linker) Apply(body string, categories []int) string {
	if l.Len() == 0 || strings.TrimSpace(body) == "" {
		return body
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return body
	}
	root := doc.Find("body")
	if root.Length() == 0 {
		return body
	}

	var texts []*xhtml.Node
	collectText(root.Nodes[0], &texts)

	options := l.ordered(categories)
	used := map[string]bool{}
	inserted := 0
	for _, node := range texts {
		if inserted >= l.max {
			break
		}
		for _, opt := range options {
			if used[opt.url] {
				continue
			}
			if linkFirstMatch(node, opt) {
				used[opt.url] = true
				inserted++
				break
			}
		}
	}
	if inserted == 0 {
		return body
	}

	out, err := root.Html()
	if err != nil {
		return body
	}
	return out
}

func collectText(n *xhtml.Node, out *[]*xhtml.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case xhtml.TextNode:
			if strings.TrimSpace(c.Data) != "" {
				*out = append(*out, c)
			}
		case xhtml.ElementNode:
			if !excludedLinkParents[c.Data] {
				collectText(c, out)
			}
		}
	}
}

// linkFirstMatch splits node around the first keyword match of opt and
// wraps the match in an anchor.
func linkFirstMatch(node *xhtml.Node, opt linkOption) bool {
	for _, re := range opt.keywords {
		loc := re.FindStringIndex(node.Data)
		if loc == nil {
			continue
		}
		text := node.Data
		parent := node.Parent

		anchor := &xhtml.Node{
			Type: xhtml.ElementNode,
			Data: "a",
			Attr: []xhtml.Attribute{{Key: "href", Val: opt.url}},
		}
		anchor.AppendChild(&xhtml.Node{Type: xhtml.TextNode, Data: text[loc[0]:loc[1]]})

		node.Data = text[:loc[0]]
		parent.InsertBefore(anchor, node.NextSibling)
		if tail := text[loc[1]:]; tail != "" {
			parent.InsertBefore(&xhtml.Node{Type: xhtml.TextNode, Data: tail}, anchor.NextSibling)
		}
		return true
	}
	return false
}

// SetLinker enables internal linking for subsequent posts.
func (c *Client) SetLinker(l *Linker) {
	c.linker.Store(l)
}

// BuildLinkMap lists up to maxPosts published posts and turns each into a
// link target keyed by its title and tag names.
func (c *Client) BuildLinkMap(ctx context.Context, maxPosts int) (LinkMap, error) {
	type listedPost struct {
		Link  string `json:"link"`
		Title struct {
			Rendered string `json:"rendered"`
		} `json:"title"`
		Categories []int `json:"categories"`
		Tags       []int `json:"tags"`
	}

	var posts []listedPost
	for page := 1; maxPosts <= 0 || len(posts) < maxPosts; page++ {
		query := url.Values{}
		query.Set("status", "publish")
		query.Set("per_page", strconv.Itoa(linkMapPageSize))
		query.Set("page", strconv.Itoa(page))
		query.Set("_fields", "id,title,link,categories,tags")

		var batch []listedPost
		if err := c.do(ctx, "linkmap", http.MethodGet, "/posts?"+query.Encode(), nil, nil, &batch); err != nil {
			return LinkMap{}, err
		}
		posts = append(posts, batch...)
		if len(batch) < linkMapPageSize {
			break
		}
	}
	if maxPosts > 0 && len(posts) > maxPosts {
		posts = posts[:maxPosts]
	}

	tagIDs := map[int]bool{}
	for _, p := range posts {
		for _, id := range p.Tags {
			tagIDs[id] = true
		}
	}
	tagNames, err := c.tagNames(ctx, tagIDs)
	if err != nil {
		return LinkMap{}, err
	}

	lm := LinkMap{Posts: make([]LinkTarget, 0, len(posts))}
	for _, p := range posts {
		title := strings.TrimSpace(html.UnescapeString(p.Title.Rendered))
		if title == "" || p.Link == "" {
			continue
		}
		keywords := []string{title}
		seen := map[string]bool{strings.ToLower(title): true}
		for _, id := range p.Tags {
			name := tagNames[id]
			if name == "" || seen[strings.ToLower(name)] {
				continue
			}
			seen[strings.ToLower(name)] = true
			keywords = append(keywords, name)
		}
		lm.Posts = append(lm.Posts, LinkTarget{Link: p.Link, Keywords: keywords, Categories: p.Categories})
	}
	c.logger.Info("link map built", "posts", len(lm.Posts), "tags", len(tagNames))
	return lm, nil
}

func (c *Client) tagNames(ctx context.Context, ids map[int]bool) (map[int]string, error) {
	all := make([]int, 0, len(ids))
	for id := range ids {
		all = append(all, id)
	}
	sort.Ints(all)

	names := make(map[int]string, len(all))
	for start := 0; start < len(all); start += linkMapPageSize {
		end := min(start+linkMapPageSize, len(all))
		include := make([]string, 0, end-start)
		for _, id := range all[start:end] {
			include = append(include, strconv.Itoa(id))
		}

		query := url.Values{}
		query.Set("include", strings.Join(include, ","))
		query.Set("per_page", strconv.Itoa(linkMapPageSize))
		query.Set("_fields", "id,name")

		var tags []struct {
			ID   int    `json:"id"`
			Name string `json:"name"`
		}
		if err := c.do(ctx, "linkmap", http.MethodGet, "/tags?"+query.Encode(), nil, nil, &tags); err != nil {
			return nil, err
		}
		for _, t := range tags {
			names[t.ID] = html.UnescapeString(t.Name)
		}
	}
	return names, nil
}
