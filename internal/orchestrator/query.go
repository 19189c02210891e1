package orchestrator

import (
	"regexp"
	"strings"

	"github.com/lexiqai/claims-voice/internal/retrieval"
)

var (
	policyIDPattern = regexp.MustCompile(`(?i)\bPOL-\d{3,}\b`)

	// spokenPolicyPattern also swallows a leading "policy", "policy id" or
	// "policy number" so a replacement reads naturally
	spokenPolicyPattern = regexp.MustCompile(`(?i)\b(?:policy\s+(?:id\s+|number\s+)?)?(POL-\d+)\b`)
)

const unknownPolicy = "your policy"

// BuildQuery turns extracted keywords into the search text. A policy id
// spoken in the utterance is added when the keywords missed it, and a
// locked policy id always leads.
func BuildQuery(keywords, utterance string, lock *Lock) string {
	terms := strings.Fields(keywords)

	if id := policyIDPattern.FindString(utterance); id != "" {
		id = strings.ToUpper(id)
		found := false
		for _, t := range terms {
			if strings.EqualFold(t, id) {
				found = true
				break
			}
		}
		if !found {
			terms = append(terms, id)
		}
	}

	if len(terms) == 0 {
		terms = strings.Fields(utterance)
	}
	if lock != nil && lock.PolicyID != "" {
		terms = append([]string{lock.PolicyID}, terms...)
	}
	return strings.Join(terms, " ")
}

// policyGuard rewrites policy ids the turn never retrieved
type policyGuard struct {
	known map[string]bool
}

func newPolicyGuard(lock *Lock, res retrieval.Result) *policyGuard {
	g := &policyGuard{known: make(map[string]bool)}
	if lock != nil {
		g.known[strings.ToUpper(lock.PolicyID)] = true
	}
	for _, r := range res.Records {
		g.known[strings.ToUpper(r.PolicyID)] = true
	}
	return g
}

// Apply replaces every unknown policy id in text with "your policy"
func (g *policyGuard) Apply(text string) string {
	return spokenPolicyPattern.ReplaceAllStringFunc(text, func(m string) string {
		id := spokenPolicyPattern.FindStringSubmatch(m)[1]
		if g.known[strings.ToUpper(id)] {
			return m
		}
		return unknownPolicy
	})
}
