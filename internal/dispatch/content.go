package dispatch

import (
	"html"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

const (
	PlaceholderUnsubscribe = "###unsubscribe###"
	PlaceholderRequestURL  = "###requestUrl###"
)

// TokenSource issues the opaque per-recipient token embedded in links.
type TokenSource interface {
	Token(address string) string
}

// RandomTokens issues a fresh random token per call.
type RandomTokens struct{}

func (RandomTokens) Token(string) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// withToken appends param=token to base. An empty or unparsable base yields
// an empty link so the placeholder still disappears from the body.
func withToken(base, param, token string) string {
	if base == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set(param, token)
	u.RawQuery = q.Encode()
	return html.EscapeString(u.String())
}

// render substitutes every placeholder in a single pass.
func render(tmpl, unsubscribeURL, requestURL string) string {
	return strings.NewReplacer(
		PlaceholderUnsubscribe, unsubscribeURL,
		PlaceholderRequestURL, requestURL,
	).Replace(tmpl)
}
