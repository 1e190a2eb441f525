// ABOUTME: Imports an existing browser login for a platform into the vault
// ABOUTME: Reads local browser cookie stores via kooky, filtered by domain

package vault

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/browserutils/kooky"
	_ "github.com/browserutils/kooky/browser/chrome"
	_ "github.com/browserutils/kooky/browser/chromium"
	_ "github.com/browserutils/kooky/browser/edge"
	_ "github.com/browserutils/kooky/browser/firefox"
	_ "github.com/browserutils/kooky/browser/opera"

	"github.com/trendhub/trendhub/internal/task"
)

// SupportedBrowsers returns the browsers ImportBrowser can read from.
func SupportedBrowsers() []string {
	return []string{"chrome", "chromium", "firefox", "edge", "opera"}
}

// ImportBrowser reads the platform's cookies from a local browser
// profile and saves them as the vault session. An empty browser name
// accepts cookies from any readable browser.
func (v *Vault) ImportBrowser(ctx context.Context, platform task.Platform, browser string) (int, error) {
	base, ok := task.PlatformURLs[platform]
	if !ok {
		return 0, fmt.Errorf("unsupported platform %q", platform)
	}
	u, err := url.Parse(base)
	if err != nil {
		return 0, fmt.Errorf("parsing platform URL: %w", err)
	}
	domain := strings.TrimPrefix(u.Hostname(), "www.")

	cookies, err := kooky.ReadCookies(ctx, kooky.DomainHasSuffix(domain))
	if err != nil {
		return 0, fmt.Errorf("reading browser cookies: %w", err)
	}

	browser = strings.ToLower(browser)
	imported := make([]Cookie, 0, len(cookies))
	for _, c := range cookies {
		if browser != "" && c.Browser != nil {
			if !strings.Contains(strings.ToLower(c.Browser.Browser()), browser) {
				continue
			}
		}
		imported = append(imported, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
			Expires:  c.Expires.Unix(),
		})
	}

	if len(imported) == 0 {
		return 0, fmt.Errorf("no cookies found for %s (browser %q); log in with the browser first", domain, browser)
	}

	if err := v.Save(platform, imported); err != nil {
		return 0, err
	}
	return len(imported), nil
}
