package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

type Visibility string

const (
	VisibilityPublic    Visibility = "public"
	VisibilityUnlisted  Visibility = "unlisted"
	VisibilityFollowers Visibility = "followers"
	VisibilityDirect    Visibility = "direct"
	VisibilityCommunity Visibility = "community"
)

const (
	PublicCollection = "https://www.w3.org/ns/activitystreams#Public"
	followersSuffix  = "/followers"
)

// isPublic also accepts the compact forms some servers emit.
func isPublic(uri string) bool {
	return uri == PublicCollection || uri == "as:Public" || uri == "Public"
}

// VisibilityToRecipients maps a visibility to the to/cc fields of a document.
// direct and community return empty lists; the caller supplies explicit recipients.
func VisibilityToRecipients(v Visibility, actorURI, followersURI string) (to, cc []string) {
	if followersURI == "" {
		followersURI = actorURI + followersSuffix
	}
	switch v {
	case VisibilityPublic:
		return []string{PublicCollection}, []string{followersURI}
	case VisibilityUnlisted:
		return []string{followersURI}, []string{PublicCollection}
	case VisibilityFollowers:
		return []string{followersURI}, []string{}
	default:
		return []string{}, []string{}
	}
}

// RecipientsToVisibility infers the visibility of a document from to/cc.
// Public in to wins over public in cc, which wins over a followers collection in to.
// direct and community are indistinguishable here and both come back as direct.
func RecipientsToVisibility(to, cc []string) Visibility {
	for _, r := range to {
		if isPublic(r) {
			return VisibilityPublic
		}
	}
	for _, r := range cc {
		if isPublic(r) {
			return VisibilityUnlisted
		}
	}
	for _, r := range to {
		if strings.HasSuffix(r, followersSuffix) {
			return VisibilityFollowers
		}
	}
	return VisibilityDirect
}

// IsFollowersCollection reports whether uri names a followers collection.
func IsFollowersCollection(uri string) bool {
	return strings.HasSuffix(uri, followersSuffix)
}

// IsPublicCollection reports whether uri is the public addressing collection.
func IsPublicCollection(uri string) bool {
	return isPublic(uri)
}

// CanonicalParticipants sorts and deduplicates actor URIs, dropping empty entries.
func CanonicalParticipants(participants []string) []string {
	seen := make(map[string]bool, len(participants))
	out := make([]string, 0, len(participants))
	for _, p := range participants {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ThreadHash is the order-independent identity of a participant set.
func ThreadHash(participants []string) string {
	canonical := CanonicalParticipants(participants)
	sum := sha256.Sum256([]byte(strings.Join(canonical, "\n")))
	return hex.EncodeToString(sum[:])
}
