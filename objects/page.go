package objects

import (
	"encoding/base64"
	"fmt"
	"slices"
	"strconv"

	"github.com/deemkeen/fedicore/domain"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Page is one slice of a query. Next is empty on the last page.
type Page struct {
	Items []domain.Object
	Next  string
}

func pageSize(requested int) int {
	switch {
	case requested <= 0:
		return defaultPageSize
	case requested > maxPageSize:
		return maxPageSize
	}
	return requested
}

// EncodeCursor wraps an offset into a page cursor.
func EncodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

// DecodeCursor returns the offset of a cursor; the empty cursor is the first page.
func DecodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed cursor", domain.ErrInvalidInput)
	}
	offset, err := strconv.Atoi(string(b))
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("%w: malformed cursor", domain.ErrInvalidInput)
	}
	return offset, nil
}

// mediaURLs lists every media URL an object references.
func mediaURLs(obj *domain.Object) []string {
	urls := obj.AttachmentURLs()
	if obj.Story != nil {
		for _, item := range obj.Story.Items {
			urls = append(urls, item.MediaURL)
		}
	}
	return dedupe(urls)
}

// diff returns the urls only in after and the urls only in before.
func diff(before, after []string) (added, removed []string) {
	old := make(map[string]bool, len(before))
	for _, u := range before {
		old[u] = true
	}
	current := make(map[string]bool, len(after))
	for _, u := range after {
		current[u] = true
		if !old[u] {
			added = append(added, u)
		}
	}
	for _, u := range before {
		if !current[u] {
			removed = append(removed, u)
		}
	}
	return added, removed
}

// dedupe keeps the first occurrence of every non-empty entry.
func dedupe(list []string) []string {
	seen := make(map[string]bool, len(list))
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func mentionHrefs(tags []domain.Tag) []string {
	var hrefs []string
	for _, t := range tags {
		if t.Type == "Mention" && t.Href != "" {
			hrefs = append(hrefs, t.Href)
		}
	}
	return hrefs
}

func withoutActor(recipients []string, actor string) []string {
	out := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if r != actor {
			out = append(out, r)
		}
	}
	return out
}

// sameRemoteState reports whether b carries nothing a remote Update would change in a.
func sameRemoteState(a, b *domain.Object) bool {
	if a.Content != b.Content || a.Summary != b.Summary || a.Raw != b.Raw {
		return false
	}
	if !slices.Equal(a.To, b.To) || !slices.Equal(a.Cc, b.Cc) ||
		!slices.Equal(a.Attachments, b.Attachments) || !slices.Equal(a.Tags, b.Tags) {
		return false
	}
	if a.Poll == nil || b.Poll == nil {
		return a.Poll == nil && b.Poll == nil
	}
	return a.Poll.Multiple == b.Poll.Multiple && slices.Equal(a.Poll.Options, b.Poll.Options)
}
