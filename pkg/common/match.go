package common

import (
	"slices"
	"strings"
)

// MatchesKey reports whether a and b denote the same real-world object.
// It is deliberately conservative: when in doubt it answers false, since a
// wrong unification cannot be undone by later evidence.
func MatchesKey(a, b *Entity) bool {
	if a == nil || b == nil || a.Type != b.Type {
		return false
	}

	switch a.Type {
	case EntityEmail:
		return equalNonEmpty(NormalizeEmail(a.Attributes.Text(AttrEmail)), NormalizeEmail(b.Attributes.Text(AttrEmail)))
	case EntityDomain:
		return equalNonEmpty(NormalizeDomain(a.Attributes.Text(AttrDomain)), NormalizeDomain(b.Attributes.Text(AttrDomain)))
	case EntityPhone:
		return equalNonEmpty(NormalizePhone(a.Attributes.Text(AttrPhone)), NormalizePhone(b.Attributes.Text(AttrPhone)))
	case EntityIdentity:
		return matchIdentity(a.Attributes, b.Attributes)
	case EntitySocialProfile:
		return matchSocialProfile(a.Attributes, b.Attributes)
	case EntityOrganization:
		return matchOrganization(a.Attributes, b.Attributes)
	case EntityAddress:
		return equalNonEmpty(NormalizeAddress(a.Attributes.Text(AttrAddress)), NormalizeAddress(b.Attributes.Text(AttrAddress)))
	default:
		return false
	}
}

// DedupeKey returns the normalized key for types whose identity is a single
// derivable value (email, domain, phone). Other types return "".
func DedupeKey(e *Entity) string {
	if e == nil {
		return ""
	}
	var key string
	switch e.Type {
	case EntityEmail:
		key = NormalizeEmail(e.Attributes.Text(AttrEmail))
	case EntityDomain:
		key = NormalizeDomain(e.Attributes.Text(AttrDomain))
	case EntityPhone:
		key = NormalizePhone(e.Attributes.Text(AttrPhone))
	}
	if key == "" {
		return ""
	}
	return string(e.Type) + ":" + key
}

func equalNonEmpty(a, b string) bool {
	return a != "" && a == b
}

// identityKeys extracts the real name and the set of identifiers an identity
// carries. Identifiers are prefixed by kind so a handle never equals a phone.
func identityKeys(attrs Attributes) (string, []string, []string) {
	realName, handles := SplitIdentityName(attrs.Text(AttrName))

	for _, u := range attrs.Get(AttrUsername).Strings() {
		if h := NormalizeHandle(u); h != "" {
			handles = append(handles, h)
		}
	}
	for _, alias := range attrs.Get(AttrAliases).Strings() {
		if strings.HasPrefix(strings.TrimSpace(alias), "@") {
			if h := NormalizeHandle(alias); h != "" {
				handles = append(handles, h)
			}
		}
	}

	var other []string
	for _, e := range attrs.Get(AttrEmail).Strings() {
		if n := NormalizeEmail(e); n != "" {
			other = append(other, "email:"+n)
		}
	}
	for _, p := range attrs.Get(AttrPhone).Strings() {
		if n := NormalizePhone(p); n != "" {
			other = append(other, "phone:"+n)
		}
	}

	return realName, handles, other
}

func matchIdentity(a, b Attributes) bool {
	nameA, handlesA, otherA := identityKeys(a)
	nameB, handlesB, otherB := identityKeys(b)

	if nameA != "" && nameB != "" && nameA != nameB {
		return false
	}

	platformA := FoldText(a.Text(AttrPlatform))
	platformB := FoldText(b.Text(AttrPlatform))
	handlesComparable := platformA == "" || platformB == "" || platformA == platformB

	if handlesComparable && intersects(handlesA, handlesB) {
		return true
	}
	return intersects(otherA, otherB)
}

func matchSocialProfile(a, b Attributes) bool {
	urlA := NormalizeURL(a.Text(AttrURL))
	urlB := NormalizeURL(b.Text(AttrURL))
	if equalNonEmpty(urlA, urlB) {
		return true
	}

	platformA := FoldText(a.Text(AttrPlatform))
	platformB := FoldText(b.Text(AttrPlatform))
	if !equalNonEmpty(platformA, platformB) {
		return false
	}
	return equalNonEmpty(NormalizeHandle(a.Text(AttrUsername)), NormalizeHandle(b.Text(AttrUsername)))
}

func matchOrganization(a, b Attributes) bool {
	domainA := NormalizeDomain(a.Text(AttrDomain))
	domainB := NormalizeDomain(b.Text(AttrDomain))
	if domainA != "" && domainB != "" && domainA != domainB {
		return false
	}
	return equalNonEmpty(NormalizeOrganization(a.Text(AttrName)), NormalizeOrganization(b.Text(AttrName)))
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if slices.Contains(b, x) {
			return true
		}
	}
	return false
}
