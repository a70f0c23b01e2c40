package fetch

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

type element struct {
	sel *goquery.Selection
}

func (e element) Text() string { return normSpace(e.sel.Text()) }

func (e element) Attr(name string) (string, bool) {
	v, ok := e.sel.Attr(name)
	return strings.TrimSpace(v), ok
}

func (e element) Find(selector string) (Element, error) {
	return first(e.sel.Find(selector), selector)
}

func (e element) FindAll(selector string) []Element {
	return all(e.sel.Find(selector))
}

func first(s *goquery.Selection, selector string) (Element, error) {
	s = s.First()
	if s.Length() == 0 {
		return nil, fmt.Errorf("%w：%s", ErrNotFound, selector)
	}
	return element{sel: s}, nil
}

func all(s *goquery.Selection) []Element {
	out := make([]Element, 0, s.Length())
	s.Each(func(_ int, it *goquery.Selection) {
		out = append(out, element{sel: it})
	})
	return out
}

func normSpace(s string) string { return strings.Join(strings.Fields(s), " ") }
