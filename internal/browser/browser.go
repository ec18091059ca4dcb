// Package browser drives HTML login pages the way a user agent would: it follows redirects,
// keeps cookies, reads the returned markup and submits forms.
package browser

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Browser is the capability the scenarios need from a user agent.
type Browser interface {
	// Goto navigates to target, resolved against the current page URL.
	Goto(ctx context.Context, target string) error
	// URL is the address of the current page, after redirects.
	URL() *url.URL
	// Status is the HTTP status code the current page was served with.
	Status() int
	// Document is the parsed current page.
	Document() *goquery.Document
	// WaitFor reloads the current page until selector matches an element or the wait timeout expires.
	WaitFor(ctx context.Context, selector string) error
	// AssertVisible fails if selector matches nothing or only hidden elements.
	AssertVisible(selector string) error
	// Click follows the link or submits the form associated with the first element matching selector.
	Click(ctx context.Context, selector string) error
	// LoginWith fills and submits the form holding a password field.
	LoginWith(ctx context.Context, username, password string) error
	// Cookie returns the cookie the browser would send with a request to the current page.
	Cookie(name string) (*http.Cookie, bool)
	// Close releases the browser resources.
	Close()
}

// ErrNoPage is returned when the browser is asked about a page before any navigation.
var ErrNoPage = errors.New("no page loaded")

// Poll calls cond every interval until it reports true, returns an error, or timeout elapses.
// cond is always called at least once.
func Poll(ctx context.Context, interval, timeout time.Duration, cond func(context.Context) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := cond(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
