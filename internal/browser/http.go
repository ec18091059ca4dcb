package browser

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/ubuntu/casprobe/internal/log"
	"github.com/ubuntu/decorate"
	"golang.org/x/net/publicsuffix"
)

const maxRedirects = 10

type options struct {
	insecure     bool
	timeout      time.Duration
	pollInterval time.Duration
	waitTimeout  time.Duration
}

// Option is a func that allows to override some of the browser default settings.
type Option func(*options)

// WithInsecureSkipVerify disables TLS certificate verification.
func WithInsecureSkipVerify() Option {
	return func(o *options) {
		o.insecure = true
	}
}

// WithTimeout sets the timeout of every page load.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithWait sets how often and for how long WaitFor reloads the page.
func WithWait(interval, timeout time.Duration) Option {
	return func(o *options) {
		if interval > 0 {
			o.pollInterval = interval
		}
		if timeout > 0 {
			o.waitTimeout = timeout
		}
	}
}

// HTTPBrowser is a Browser without script support, built on an HTTP client with a cookie jar.
type HTTPBrowser struct {
	rc  *resty.Client
	jar http.CookieJar

	pollInterval time.Duration
	waitTimeout  time.Duration

	url    *url.URL
	status int
	doc    *goquery.Document
}

// NewHTTP returns a browser with an empty cookie jar.
func NewHTTP(args ...Option) (b *HTTPBrowser, err error) {
	defer decorate.OnError(&err, "could not create browser")

	opts := options{
		timeout:      30 * time.Second,
		pollInterval: 250 * time.Millisecond,
		waitTimeout:  10 * time.Second,
	}
	for _, arg := range args {
		arg(&opts)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}

	rc := resty.New().
		SetCookieJar(jar).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(maxRedirects)).
		SetTimeout(opts.timeout).
		SetHeader("Accept", "text/html,application/xhtml+xml").
		SetLogger(restyLogger{})
	if opts.insecure {
		//nolint:gosec // Explicitly requested for test deployments with self-signed certificates.
		rc.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}

	return &HTTPBrowser{
		rc:           rc,
		jar:          jar,
		pollInterval: opts.pollInterval,
		waitTimeout:  opts.waitTimeout,
	}, nil
}

// Goto navigates to target, resolved against the current page URL.
func (b *HTTPBrowser) Goto(ctx context.Context, target string) error {
	u, err := b.resolve(target)
	if err != nil {
		return err
	}
	return b.load(ctx, http.MethodGet, u, nil)
}

// URL is the address of the current page. It is nil before the first navigation.
func (b *HTTPBrowser) URL() *url.URL {
	if b.url == nil {
		return nil
	}
	u := *b.url
	return &u
}

// Status is the HTTP status code of the current page.
func (b *HTTPBrowser) Status() int {
	return b.status
}

// Document is the parsed current page.
func (b *HTTPBrowser) Document() *goquery.Document {
	return b.doc
}

// WaitFor reloads the current page until selector matches.
func (b *HTTPBrowser) WaitFor(ctx context.Context, selector string) (err error) {
	defer decorate.OnError(&err, "element %q did not appear", selector)

	if b.url == nil {
		return ErrNoPage
	}

	first := true
	err = Poll(ctx, b.pollInterval, b.waitTimeout, func(ctx context.Context) (bool, error) {
		if !first {
			log.Debugf(ctx, "Reloading %s waiting for %q", b.url, selector)
			if err := b.load(ctx, http.MethodGet, b.url, nil); err != nil {
				if ctx.Err() != nil {
					return false, ctx.Err()
				}
				return false, err
			}
		}
		first = false
		return b.doc.Find(selector).Length() > 0, nil
	})
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("still missing from %s after %s", b.url, b.waitTimeout)
	}
	return err
}

// AssertVisible fails if no element matching selector is rendered.
func (b *HTTPBrowser) AssertVisible(selector string) error {
	if b.doc == nil {
		return ErrNoPage
	}

	sel := b.doc.Find(selector)
	if sel.Length() == 0 {
		return fmt.Errorf("no element matches %q on %s", selector, b.url)
	}
	visible := sel.FilterFunction(func(_ int, s *goquery.Selection) bool {
		return !isHidden(s)
	})
	if visible.Length() == 0 {
		return fmt.Errorf("every element matching %q on %s is hidden", selector, b.url)
	}
	return nil
}

// Click follows the link of the first element matching selector, its enclosing link or the first link
// it contains. A submit control instead submits its form.
func (b *HTTPBrowser) Click(ctx context.Context, selector string) (err error) {
	defer decorate.OnError(&err, "could not click on %q", selector)

	if b.doc == nil {
		return ErrNoPage
	}

	sel := b.doc.Find(selector).First()
	if sel.Length() == 0 {
		return fmt.Errorf("no element matches on %s", b.url)
	}

	if isSubmit(sel) {
		form := sel.Closest("form")
		if form.Length() == 0 {
			return errors.New("submit control is not inside a form")
		}
		values := formValues(form)
		if name, ok := sel.Attr("name"); ok && name != "" {
			values.Set(name, sel.AttrOr("value", ""))
		}
		return b.submit(ctx, form, values)
	}

	link := sel.Closest("a[href]")
	if link.Length() == 0 {
		link = sel.Find("a[href]").First()
	}
	href, ok := link.Attr("href")
	if !ok {
		return errors.New("element is neither a link nor a submit control")
	}
	return b.Goto(ctx, href)
}

// LoginWith fills the username and password fields of the login form and submits it.
func (b *HTTPBrowser) LoginWith(ctx context.Context, username, password string) (err error) {
	defer decorate.OnError(&err, "could not log in as %q", username)

	if b.doc == nil {
		return ErrNoPage
	}

	pw := b.doc.Find(`form input[type="password"]`).First()
	if pw.Length() == 0 {
		return fmt.Errorf("no login form on %s", b.url)
	}
	form := pw.Closest("form")

	pwName, ok := pw.Attr("name")
	if !ok || pwName == "" {
		return errors.New("password field has no name")
	}

	user := form.Find(`input[name="username"]`).First()
	if user.Length() == 0 {
		user = form.Find(`input[type="text"], input[type="email"], input:not([type])`).First()
	}
	userName, ok := user.Attr("name")
	if !ok || userName == "" {
		return errors.New("login form has no username field")
	}

	values := formValues(form)
	values.Set(userName, username)
	values.Set(pwName, password)

	submit := form.Find(`input[type="submit"][name], button[type="submit"][name], button:not([type])[name]`).First()
	if name, ok := submit.Attr("name"); ok && name != "" {
		values.Set(name, submit.AttrOr("value", ""))
	}

	return b.submit(ctx, form, values)
}

// Cookie returns the named cookie the browser would send to the current page.
func (b *HTTPBrowser) Cookie(name string) (*http.Cookie, bool) {
	if b.url == nil {
		return nil, false
	}
	for _, c := range b.jar.Cookies(b.url) {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Close drops idle connections.
func (b *HTTPBrowser) Close() {
	b.rc.GetClient().CloseIdleConnections()
}

func (b *HTTPBrowser) resolve(target string) (*url.URL, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %v", target, err)
	}
	if b.url != nil {
		u = b.url.ResolveReference(u)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("URL %q is not absolute and no page is loaded", target)
	}
	return u, nil
}

func (b *HTTPBrowser) submit(ctx context.Context, form *goquery.Selection, values url.Values) error {
	u, err := b.resolve(form.AttrOr("action", ""))
	if err != nil {
		return err
	}
	method := strings.ToUpper(form.AttrOr("method", http.MethodGet))
	if method != http.MethodPost {
		u.RawQuery = values.Encode()
		return b.load(ctx, http.MethodGet, u, nil)
	}
	return b.load(ctx, http.MethodPost, u, values)
}

func (b *HTTPBrowser) load(ctx context.Context, method string, u *url.URL, form url.Values) error {
	r := b.rc.R().SetContext(ctx)
	if form != nil {
		r.SetFormDataFromValues(form)
	}

	res, err := r.Execute(method, u.String())
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, u, err)
	}

	final := u
	if res.RawResponse != nil && res.RawResponse.Request != nil {
		final = res.RawResponse.Request.URL
	}
	log.Debugf(ctx, "%s %s: %d (landed on %s)", method, u, res.StatusCode(), final)

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body()))
	if err != nil {
		return fmt.Errorf("could not parse %s: %w", final, err)
	}

	b.url = final
	b.status = res.StatusCode()
	b.doc = doc
	return nil
}

// formValues returns the values a form would submit without user input.
func formValues(form *goquery.Selection) url.Values {
	values := url.Values{}
	form.Find("input[name]").Each(func(_ int, s *goquery.Selection) {
		switch strings.ToLower(s.AttrOr("type", "text")) {
		case "submit", "button", "image", "reset", "file":
			return
		case "checkbox", "radio":
			if _, checked := s.Attr("checked"); !checked {
				return
			}
			values.Add(s.AttrOr("name", ""), s.AttrOr("value", "on"))
			return
		}
		values.Add(s.AttrOr("name", ""), s.AttrOr("value", ""))
	})
	form.Find("textarea[name]").Each(func(_ int, s *goquery.Selection) {
		values.Add(s.AttrOr("name", ""), s.Text())
	})
	form.Find("select[name]").Each(func(_ int, s *goquery.Selection) {
		opt := s.Find("option[selected]").First()
		if opt.Length() == 0 {
			opt = s.Find("option").First()
		}
		if opt.Length() == 0 {
			return
		}
		values.Add(s.AttrOr("name", ""), opt.AttrOr("value", strings.TrimSpace(opt.Text())))
	})
	return values
}

func isSubmit(s *goquery.Selection) bool {
	switch goquery.NodeName(s) {
	case "button":
		t := strings.ToLower(s.AttrOr("type", "submit"))
		return t == "submit"
	case "input":
		t := strings.ToLower(s.AttrOr("type", ""))
		return t == "submit" || t == "image"
	}
	return false
}

// isHidden reports whether s or one of its ancestors is not rendered.
func isHidden(s *goquery.Selection) bool {
	hidden := false
	s.AddSelection(s.Parents()).EachWithBreak(func(_ int, e *goquery.Selection) bool {
		if _, ok := e.Attr("hidden"); ok {
			hidden = true
		}
		if goquery.NodeName(e) == "input" && strings.EqualFold(e.AttrOr("type", ""), "hidden") {
			hidden = true
		}
		style := strings.ReplaceAll(strings.ToLower(e.AttrOr("style", "")), " ", "")
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			hidden = true
		}
		return !hidden
	})
	return hidden
}

// restyLogger forwards resty diagnostics to our logger.
type restyLogger struct{}

func (restyLogger) Errorf(format string, v ...any) {
	log.Errorf(context.Background(), "browser: "+format, v...)
}

func (restyLogger) Warnf(format string, v ...any) {
	log.Warningf(context.Background(), "browser: "+format, v...)
}

func (restyLogger) Debugf(format string, v ...any) {
	log.Debugf(context.Background(), "browser: "+format, v...)
}
