package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrElementNotFound is returned by a Page when no element matches a selector.
var ErrElementNotFound = errors.New("element not found")

// ElementInfo describes an element a page action touched.
type ElementInfo struct {
	Selector   string            `json:"selector"`
	Text       string            `json:"text,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Page is the browser surface the page handlers drive.
type Page interface {
	URL() string
	Navigate(ctx context.Context, rawURL string) error
	Click(ctx context.Context, selector string) (ElementInfo, error)
	Type(ctx context.Context, selector, text string) (ElementInfo, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Content(ctx context.Context) (string, error)
}

// Action is one entry of a SimulatedPage's action log.
type Action struct {
	Kind     string    `json:"kind"`
	Selector string    `json:"selector,omitempty"`
	Value    string    `json:"value,omitempty"`
	At       time.Time `json:"at"`
}

// SimulatedPage is an in-memory Page. It knows the elements registered with
// AddElement and records every action it performs. The element set does not
// change on navigation.
type SimulatedPage struct {
	mu       sync.Mutex
	url      string
	elements map[string]ElementInfo
	values   map[string]string
	actions  []Action
}

// NewSimulatedPage creates a page at startURL (about:blank when empty).
func NewSimulatedPage(startURL string) *SimulatedPage {
	if startURL == "" {
		startURL = "about:blank"
	}
	return &SimulatedPage{
		url:      startURL,
		elements: make(map[string]ElementInfo),
		values:   make(map[string]string),
	}
}

// AddElement makes el reachable by its selector.
func (p *SimulatedPage) AddElement(el ElementInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elements[el.Selector] = el
}

// RemoveElement makes selector stop matching.
func (p *SimulatedPage) RemoveElement(selector string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.elements, selector)
	delete(p.values, selector)
}

// Value returns the text typed into selector.
func (p *SimulatedPage) Value(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[selector]
}

// Actions returns a copy of the action log.
func (p *SimulatedPage) Actions() []Action {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Action(nil), p.actions...)
}

func (p *SimulatedPage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *SimulatedPage) Navigate(ctx context.Context, rawURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if u.Scheme == "" {
		return fmt.Errorf("invalid url %q: missing scheme", rawURL)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = u.String()
	p.record("navigate", "", p.url)
	return nil
}

func (p *SimulatedPage) Click(ctx context.Context, selector string) (ElementInfo, error) {
	if err := ctx.Err(); err != nil {
		return ElementInfo{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.elements[selector]
	if !ok {
		return ElementInfo{}, fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	p.record("click", selector, "")
	return el, nil
}

func (p *SimulatedPage) Type(ctx context.Context, selector, text string) (ElementInfo, error) {
	if err := ctx.Err(); err != nil {
		return ElementInfo{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.elements[selector]
	if !ok {
		return ElementInfo{}, fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	p.values[selector] = text
	logged := text
	if isSecret(el) {
		logged = "********"
	}
	p.record("type", selector, logged)
	return el, nil
}

// Screenshot renders a PNG with one bar per known element.
func (p *SimulatedPage) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	n := len(p.elements)
	p.record("screenshot", "", "")
	p.mu.Unlock()

	const width, height = 320, 200
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	bg := color.RGBA{R: 0xf4, G: 0xf4, B: 0xf5, A: 0xff}
	bar := color.RGBA{R: 0x3f, G: 0x51, B: 0xb5, A: 0xff}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, bg)
		}
	}
	for i := 0; i < n && 12+i*16 < height; i++ {
		top := 8 + i*16
		for y := top; y < top+10; y++ {
			for x := 8; x < width-8; x++ {
				img.Set(x, y, bar)
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode screenshot: %w", err)
	}
	return buf.Bytes(), nil
}

// Content returns a plain text rendering of the page: its URL followed by one
// line per element.
func (p *SimulatedPage) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	selectors := make([]string, 0, len(p.elements))
	for s := range p.elements {
		selectors = append(selectors, s)
	}
	sort.Strings(selectors)

	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\n", p.url)
	for _, s := range selectors {
		el := p.elements[s]
		fmt.Fprintf(&b, "%s: %s", s, el.Text)
		if v, ok := p.values[s]; ok && !isSecret(el) {
			fmt.Fprintf(&b, " [value=%q]", v)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

// record appends to the action log. Callers hold p.mu.
func (p *SimulatedPage) record(kind, selector, value string) {
	p.actions = append(p.actions, Action{Kind: kind, Selector: selector, Value: value, At: time.Now()})
}

func isSecret(el ElementInfo) bool {
	return strings.EqualFold(el.Attributes["type"], "password")
}
