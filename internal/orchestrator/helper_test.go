package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/webpilot-dev/webpilot/api/schemas"
)

// scriptedLLM returns canned responses in order, one per Generate call.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (m *scriptedLLM) Generate(_ context.Context, _ schemas.GenerationRequest) (*schemas.GenerationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls >= len(m.responses) {
		return &schemas.GenerationResult{Text: `{"action": "error", "description": "script exhausted"}`}, nil
	}
	text := m.responses[m.calls]
	m.calls++
	return &schemas.GenerationResult{Text: text, ModelID: "scripted"}, nil
}

func (m *scriptedLLM) Close() error { return nil }

func (m *scriptedLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// stubDriver is an in-memory BrowserDriver that records actions and can be
// told to fail specific call numbers.
type stubDriver struct {
	mu       sync.Mutex
	actions  []string
	elements []schemas.RawElement
	url      string
	title    string
	failOn   map[string]error // action name -> error
	closed   bool
}

func newStubDriver() *stubDriver {
	return &stubDriver{
		url:    "https://app.example/",
		title:  "Example App",
		failOn: map[string]error{},
	}
}

func (d *stubDriver) record(action string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions = append(d.actions, action)
	return d.failOn[action]
}

func (d *stubDriver) Navigate(_ context.Context, url string) error {
	if err := d.record("navigate"); err != nil {
		return err
	}
	d.mu.Lock()
	d.url = url
	d.mu.Unlock()
	return nil
}

func (d *stubDriver) Click(context.Context, string) error         { return d.record("click") }
func (d *stubDriver) Fill(context.Context, string, string) error  { return d.record("fill") }
func (d *stubDriver) Hover(context.Context, string) error         { return d.record("hover") }
func (d *stubDriver) SelectOption(context.Context, string, string) error {
	return d.record("select_option")
}
func (d *stubDriver) SetChecked(context.Context, string, bool) error { return d.record("set_checked") }
func (d *stubDriver) ExpectVisible(context.Context, string) error    { return d.record("expect_visible") }
func (d *stubDriver) ExpectHidden(context.Context, string) error     { return d.record("expect_hidden") }
func (d *stubDriver) ExpectText(context.Context, string, string) error {
	return d.record("expect_text")
}
func (d *stubDriver) ExpectURL(context.Context, string) error { return d.record("expect_url") }
func (d *stubDriver) Wait(context.Context, time.Duration) error {
	return d.record("wait")
}
func (d *stubDriver) Screenshot(context.Context) ([]byte, error) {
	return []byte("png"), d.record("screenshot")
}
func (d *stubDriver) Scroll(context.Context, string) error { return d.record("scroll") }

func (d *stubDriver) ListInteractiveElements(context.Context) ([]schemas.RawElement, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.elements, nil
}

func (d *stubDriver) CurrentURL(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url, nil
}

func (d *stubDriver) Title(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.title, nil
}

func (d *stubDriver) Close(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *stubDriver) actionLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.actions))
	copy(out, d.actions)
	return out
}

func (d *stubDriver) wasClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

type stubFactory struct {
	driver *stubDriver
	err    error
}

func (f *stubFactory) NewDriver(context.Context, string) (schemas.BrowserDriver, error) {
	return f.driver, f.err
}

// recordingSink collects emitted events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []schemas.Event
}

func (r *recordingSink) Emit(ev schemas.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) ofType(typ schemas.EventType) []schemas.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []schemas.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
