package media

import (
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
)

var (
	imageExts = []string{".jpg", ".jpeg", ".png", ".webp", ".gif"}

	badHosts = []string{
		"scorecardresearch.com",
		"doubleclick.net",
		"gravatar.com",
		"google-analytics.com",
		"quantserve.com",
		"chartbeat.com",
	}

	badKeywords = []string{"author", "avatar", "byline", "profile", "placeholder", "logo", "icon", "sprite"}

	dimParam = regexp.MustCompile(`[?&](?:w|width|h|height)=(\d+)`)
)

// IsUploadCandidate reports whether an image URL is worth uploading. It
// rejects non-HTTP URLs, tracker hosts, non-image paths, author or avatar
// pictures and images declared at 100px or less.
func IsUploadCandidate(raw string) bool {
	if raw == "" {
		return false
	}
	lower := strings.ToLower(raw)
	u, err := url.Parse(lower)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	host := u.Hostname()
	for _, bad := range badHosts {
		if host == bad || strings.HasSuffix(host, "."+bad) {
			return false
		}
	}

	ext := path.Ext(u.Path)
	valid := false
	for _, e := range imageExts {
		if ext == e {
			valid = true
			break
		}
	}
	if !valid {
		return false
	}

	for _, kw := range badKeywords {
		if strings.Contains(lower, kw) {
			return false
		}
	}

	for _, m := range dimParam.FindAllStringSubmatch(lower, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && n <= 100 {
			return false
		}
	}
	return true
}
