package provider

import (
	"fmt"
	"regexp"
	"strings"
)

// maxLocalPartLen caps the derived local part before the domain suffix.
const maxLocalPartLen = 50

var (
	addressShape = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]*@[a-z0-9.-]+\.[a-z]{2,}$`)
	nonSlugChars = regexp.MustCompile(`[^a-z0-9-]`)
	hyphenRuns   = regexp.MustCompile(`-+`)
)

// DeriveSenderIdentity computes the sending identity for a newsletter.
// The address local part is a slug of the newsletter name: lower-cased,
// spaces to hyphens, all other non-alphanumerics stripped, hyphen runs
// collapsed, trimmed, and truncated. Reply-To is the owner's registered
// email. The identity is recomputed on every send so renaming a newsletter
// changes future sender addresses without a migration.
func DeriveSenderIdentity(newsletterName, ownerEmail, sendingDomain string) (SenderIdentity, error) {
	name := strings.TrimSpace(newsletterName)
	if name == "" {
		return SenderIdentity{}, fmt.Errorf("newsletter name is empty")
	}

	slug := strings.ToLower(name)
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = nonSlugChars.ReplaceAllString(slug, "")
	slug = hyphenRuns.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxLocalPartLen {
		slug = strings.Trim(slug[:maxLocalPartLen], "-")
	}
	if slug == "" {
		slug = "newsletter"
	}

	addr := slug + "@" + sendingDomain
	if !addressShape.MatchString(addr) {
		return SenderIdentity{}, fmt.Errorf("derived sender address %q is not a valid email", addr)
	}

	return SenderIdentity{
		Email:   addr,
		Name:    name,
		ReplyTo: ownerEmail,
	}, nil
}
