package browser

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/webpilot-dev/webpilot/api/schemas"
	"github.com/webpilot-dev/webpilot/internal/config"
)

// collectorJS enumerates the page's interactive elements (plus headings,
// which expectation steps target) and returns their raw attributes. Hidden
// elements are skipped so generation only sees what a user could act on.
const collectorJS = `(() => {
	const selector = 'button, input, textarea, select, a[href], [role="button"], [role="link"], h1, h2, h3, h4, h5, h6';
	const out = [];
	document.querySelectorAll(selector).forEach(el => {
		try {
			const style = window.getComputedStyle(el);
			if (style.display === 'none' || style.visibility === 'hidden') return;
			const rect = el.getBoundingClientRect();
			if (rect.width === 0 && rect.height === 0) return;

			const attrs = {};
			for (const a of el.attributes) {
				attrs[a.name] = a.value;
			}
			out.push({
				tag: el.tagName.toLowerCase(),
				text: (el.innerText || el.value || '').trim().slice(0, 200),
				role: el.getAttribute('role') || '',
				attributes: attrs,
			});
		} catch (e) { /* detached node, skip */ }
	});
	return out;
})()`

// Driver runs browser actions against one dedicated tab in one isolated
// browser context. It implements schemas.BrowserDriver. Calls are strictly
// sequential per session; the driver is not safe for concurrent use.
type Driver struct {
	tabCtx    context.Context
	tabCancel context.CancelFunc
	cfg       config.BrowserConfig
	logger    *zap.Logger
	onClose   func()

	mu       sync.Mutex
	isClosed bool
}

var _ schemas.BrowserDriver = (*Driver)(nil)

// run executes chromedp actions respecting both the tab's lifetime and the
// caller's deadline.
func (d *Driver) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	d.mu.Lock()
	if d.isClosed {
		d.mu.Unlock()
		return fmt.Errorf("browser session is closed")
	}
	d.mu.Unlock()

	opCtx, cancel := CombineContext(d.tabCtx, ctx)
	defer cancel()
	if timeout > 0 {
		opCtx, cancel = context.WithTimeout(opCtx, timeout)
		defer cancel()
	}
	return chromedp.Run(opCtx, actions...)
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	d.logger.Debug("Navigating.", zap.String("url", url))
	err := d.run(ctx, d.cfg.NavigationTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

func (d *Driver) Click(ctx context.Context, selector string) error {
	if err := d.run(ctx, d.cfg.DefaultActionWait, clickAction(selector)); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

func (d *Driver) Fill(ctx context.Context, selector, value string) error {
	sel, opt := resolve(selector)
	err := d.run(ctx, d.cfg.DefaultActionWait,
		chromedp.WaitVisible(sel, opt),
		chromedp.Clear(sel, opt),
		chromedp.SendKeys(sel, value, opt),
	)
	if err != nil {
		return fmt.Errorf("fill %s: %w", selector, err)
	}
	return nil
}

func (d *Driver) Hover(ctx context.Context, selector string) error {
	sel, opt := resolve(selector)
	err := d.run(ctx, d.cfg.DefaultActionWait,
		chromedp.WaitVisible(sel, opt),
		chromedp.ScrollIntoView(sel, opt),
		// chromedp has no first-class hover; dispatch the events directly.
		chromedp.Evaluate(hoverJS(sel), nil),
	)
	if err != nil {
		return fmt.Errorf("hover %s: %w", selector, err)
	}
	return nil
}

func (d *Driver) SelectOption(ctx context.Context, selector, value string) error {
	sel, opt := resolve(selector)
	err := d.run(ctx, d.cfg.DefaultActionWait,
		chromedp.WaitVisible(sel, opt),
		chromedp.SetValue(sel, value, opt),
	)
	if err != nil {
		return fmt.Errorf("select option %q on %s: %w", value, selector, err)
	}
	return nil
}

func (d *Driver) SetChecked(ctx context.Context, selector string, checked bool) error {
	sel, opt := resolve(selector)
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) return false;
		if (el.checked !== %t) { el.click(); }
		return el.checked === %t;
	})()`, sel, checked, checked)

	var ok bool
	err := d.run(ctx, d.cfg.DefaultActionWait,
		chromedp.WaitVisible(sel, opt),
		chromedp.Evaluate(script, &ok),
	)
	if err != nil {
		return fmt.Errorf("set checked=%t on %s: %w", checked, selector, err)
	}
	if !ok {
		return fmt.Errorf("set checked=%t on %s: element did not change state", checked, selector)
	}
	return nil
}

func (d *Driver) ExpectVisible(ctx context.Context, selector string) error {
	sel, opt := resolve(selector)
	if err := d.run(ctx, d.cfg.DefaultActionWait, chromedp.WaitVisible(sel, opt)); err != nil {
		return fmt.Errorf("expected %s to be visible: %w", selector, err)
	}
	return nil
}

func (d *Driver) ExpectHidden(ctx context.Context, selector string) error {
	sel, opt := resolve(selector)
	if err := d.run(ctx, d.cfg.DefaultActionWait, chromedp.WaitNotVisible(sel, opt)); err != nil {
		return fmt.Errorf("expected %s to be hidden: %w", selector, err)
	}
	return nil
}

func (d *Driver) ExpectText(ctx context.Context, selector, text string) error {
	sel, opt := resolve(selector)
	var actual string
	err := d.run(ctx, d.cfg.DefaultActionWait,
		chromedp.WaitVisible(sel, opt),
		chromedp.Text(sel, &actual, opt),
	)
	if err != nil {
		return fmt.Errorf("expected text on %s: %w", selector, err)
	}
	if !strings.Contains(actual, text) {
		return fmt.Errorf("expected %s to contain %q, got %q", selector, text, truncateText(actual, 120))
	}
	return nil
}

func (d *Driver) ExpectURL(ctx context.Context, fragment string) error {
	current, err := d.CurrentURL(ctx)
	if err != nil {
		return err
	}
	if !strings.Contains(current, fragment) {
		return fmt.Errorf("expected URL to contain %q, got %q", fragment, current)
	}
	return nil
}

func (d *Driver) Wait(ctx context.Context, duration time.Duration) error {
	return d.run(ctx, 0, chromedp.Sleep(duration))
}

func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := d.run(ctx, d.cfg.DefaultActionWait, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

func (d *Driver) Scroll(ctx context.Context, selector string) error {
	if selector == "" {
		err := d.run(ctx, d.cfg.DefaultActionWait,
			chromedp.Evaluate(`window.scrollBy(0, window.innerHeight)`, nil))
		if err != nil {
			return fmt.Errorf("scroll page: %w", err)
		}
		return nil
	}
	sel, opt := resolve(selector)
	if err := d.run(ctx, d.cfg.DefaultActionWait, chromedp.ScrollIntoView(sel, opt)); err != nil {
		return fmt.Errorf("scroll to %s: %w", selector, err)
	}
	return nil
}

func (d *Driver) ListInteractiveElements(ctx context.Context) ([]schemas.RawElement, error) {
	var elements []schemas.RawElement
	if err := d.run(ctx, d.cfg.DefaultActionWait, chromedp.Evaluate(collectorJS, &elements)); err != nil {
		return nil, fmt.Errorf("enumerate interactive elements: %w", err)
	}
	d.logger.Debug("Enumerated interactive elements.", zap.Int("count", len(elements)))
	return elements, nil
}

func (d *Driver) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := d.run(ctx, d.cfg.DefaultActionWait, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return url, nil
}

func (d *Driver) Title(ctx context.Context) (string, error) {
	var title string
	if err := d.run(ctx, d.cfg.DefaultActionWait, chromedp.Title(&title)); err != nil {
		return "", fmt.Errorf("read title: %w", err)
	}
	return title, nil
}

// Close tears down the tab and its isolated browser context. Idempotent.
func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.isClosed {
		d.mu.Unlock()
		return nil
	}
	d.isClosed = true
	d.mu.Unlock()

	d.logger.Debug("Closing browser session.")
	d.tabCancel()
	if d.onClose != nil {
		d.onClose()
	}
	return nil
}

// resolve maps a synthesized selector to a chromedp selector and query
// option. Text-match selectors (tag:has-text("…")) are not valid CSS, so
// they are translated to an XPath text query.
func resolve(selector string) (string, chromedp.QueryOption) {
	tag, text, ok := splitTextSelector(selector)
	if !ok {
		return selector, chromedp.ByQuery
	}
	xpath := fmt.Sprintf(`//%s[contains(normalize-space(.), %s)]`, tag, xpathLiteral(text))
	return xpath, chromedp.BySearch
}

func clickAction(selector string) chromedp.Action {
	sel, opt := resolve(selector)
	return chromedp.Tasks{
		chromedp.WaitVisible(sel, opt),
		chromedp.ScrollIntoView(sel, opt),
		chromedp.Click(sel, opt),
	}
}

// splitTextSelector parses the tag:has-text("…") form emitted by the
// selector synthesizer.
func splitTextSelector(selector string) (tag, text string, ok bool) {
	open := strings.Index(selector, `:has-text("`)
	if open <= 0 || !strings.HasSuffix(selector, `")`) {
		return "", "", false
	}
	tag = selector[:open]
	quoted := selector[open+len(":has-text(") : len(selector)-1]
	unquoted, err := strconv.Unquote(quoted)
	if err != nil {
		return "", "", false
	}
	return tag, unquoted, true
}

// xpathLiteral embeds s in an XPath string literal, handling embedded quotes
// via concat().
func xpathLiteral(s string) string {
	if !strings.Contains(s, `'`) {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, `'`)
	for i, p := range parts {
		parts[i] = "'" + p + "'"
	}
	return "concat(" + strings.Join(parts, `, "'", `) + ")"
}

// hoverJS dispatches mouse events on the first element matched by the
// resolved selector, which is either CSS or an XPath (text-match selectors
// translate to XPath).
func hoverJS(resolved string) string {
	lookup := fmt.Sprintf(`document.querySelector(%q)`, resolved)
	if strings.HasPrefix(resolved, "//") {
		lookup = fmt.Sprintf(
			`document.evaluate(%q, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue`,
			resolved)
	}
	return fmt.Sprintf(`(() => {
		const el = %s;
		if (!el) return false;
		for (const type of ['mouseover', 'mouseenter', 'mousemove']) {
			el.dispatchEvent(new MouseEvent(type, {bubbles: true, cancelable: true, view: window}));
		}
		return true;
	})()`, lookup)
}

func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
