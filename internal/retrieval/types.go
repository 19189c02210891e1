// Package retrieval searches claim records by free-text keywords.
package retrieval

import (
	"context"
	"strings"
	"time"
	"unicode"
)

// Record is one claim as presented to the conversation
type Record struct {
	PolicyID        string    `json:"policy_id"`
	CustomerName    string    `json:"customer_name"`
	IncidentType    string    `json:"incident_type"`
	PolicyType      string    `json:"policy_type"`
	Status          string    `json:"status"`
	Description     string    `json:"description"`
	Location        string    `json:"location"`
	EstimatedDamage float64   `json:"estimated_damage"`
	IncidentDate    time.Time `json:"incident_date"`
}

// Query is a keyword search, optionally scoped to the caller's number
type Query struct {
	Text        string
	CallerPhone string
}

// Result is what the model sees as the search tool's output. Error is set
// instead of failing the turn when the search could not run.
type Result struct {
	Count   int      `json:"count"`
	Records []Record `json:"results"`
	Error   string   `json:"error,omitempty"`
}

// Retriever runs claim searches
type Retriever interface {
	Search(ctx context.Context, q Query) (Result, error)
}

// NewResult builds a result from records
func NewResult(records []Record) Result {
	if records == nil {
		records = []Record{}
	}
	return Result{Count: len(records), Records: records}
}

// Report folds a search error into the result, so callers can hand the
// outcome to the model either way
func Report(res Result, err error) Result {
	if err == nil {
		return res
	}
	return Result{Count: 0, Records: []Record{}, Error: err.Error()}
}

// Terms splits text into search terms. Each term keeps only letters,
// digits and hyphens so it is safe inside a text search query.
func Terms(text string) []string {
	var terms []string
	for _, field := range strings.Fields(text) {
		term := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
				return r
			}
			return -1
		}, field)
		term = strings.Trim(term, "-")
		if term != "" {
			terms = append(terms, term)
		}
	}
	return terms
}

// TSQuery joins the terms of text with AND for to_tsquery
func TSQuery(text string) string {
	return strings.Join(Terms(text), " & ")
}
