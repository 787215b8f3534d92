package scraper

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"roster-alerts/pkg/roster"
)

const (
	containerSelector = `div[class*='@container/module-resolver']`
	teamNameSelector  = `span.hidden.lg\:inline` // Long-form team name; the short code sits beside it
)

// StructuralError indicates the page no longer has the expected shape.
// It is distinct from "no change" and "no new rows": it means the markup
// drifted and needs a human to look at it.
type StructuralError struct {
	Reason string
}

func (e *StructuralError) Error() string {
	return "page structure: " + e.Reason
}

// IsStructuralError checks if an error is a structural page failure.
func IsStructuralError(err error) bool {
	var structural *StructuralError
	return errors.As(err, &structural)
}

// Page is a fetched transactions page.
type Page struct {
	doc *goquery.Document
	URL string
}

// ParsePage parses raw HTML into a Page.
func ParsePage(body []byte, pageURL string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &StructuralError{Reason: fmt.Sprintf("parse html: %v", err)}
	}
	return &Page{doc: doc, URL: pageURL}, nil
}

// table locates the transaction table inside the resolver container.
func (p *Page) table() (*goquery.Selection, error) {
	container := p.doc.Find(containerSelector).First()
	if container.Length() == 0 {
		return nil, &StructuralError{Reason: "transaction container not found (" + containerSelector + ")"}
	}
	table := container.Find("table").First()
	if table.Length() == 0 {
		return nil, &StructuralError{Reason: "transaction table not found under resolver container"}
	}
	return table, nil
}

// Fingerprint returns the SHA-256 hex digest of the transaction table's markup.
// Only the table is hashed so churn elsewhere on the page does not count as a change.
func (p *Page) Fingerprint() (string, error) {
	table, err := p.table()
	if err != nil {
		return "", err
	}
	inner, err := table.Html()
	if err != nil {
		return "", &StructuralError{Reason: fmt.Sprintf("render transaction table: %v", err)}
	}
	sum := sha256.Sum256([]byte(inner))
	return hex.EncodeToString(sum[:]), nil
}

// Transactions extracts candidate rows in document order.
// Rows missing any field are skipped; zero rows overall is a StructuralError.
func (p *Page) Transactions() ([]roster.Candidate, error) {
	table, err := p.table()
	if err != nil {
		return nil, err
	}

	var out []roster.Candidate
	var skipped int
	table.Find("tbody tr").Each(func(_ int, tr *goquery.Selection) {
		cells := tr.Find("td")
		if cells.Length() < 4 {
			skipped++
			return
		}

		playerCell := cells.Eq(0)
		player := clean(playerCell.Find("a").First().Text())
		if player == "" {
			player = clean(playerCell.Text())
		}

		c := roster.Candidate{
			Player: player,
			Team:   clean(cells.Eq(1).Find(teamNameSelector).First().Text()),
			Detail: clean(cells.Eq(2).Text()),
			Date:   clean(cells.Eq(3).Find("span").Eq(1).Text()),
		}
		if !c.Complete() {
			skipped++
			return
		}
		out = append(out, c)
	})

	if len(out) == 0 {
		return nil, &StructuralError{Reason: fmt.Sprintf("parsed 0 transactions from %d rows, markup likely changed", skipped)}
	}
	return out, nil
}

// clean collapses runs of whitespace to single spaces and trims the ends.
func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
