package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lexiqai/claims-voice/internal/retrieval"
)

const routingPrompt = `You route requests for an insurance claims phone line.
Decide whether the caller's latest utterance needs a claims search.
- If the caller describes an incident, a claim, a person, a vehicle or property, a place, a date, or gives a policy id (like POL-123), call search_claims_by_keyword with short keywords taken from what they said.
- If the caller says they want to talk about a different claim, call clear_locked_claim.
- For greetings, thanks, or questions you can answer from the conversation so far, do not call any tool.
Never invent keywords the caller did not say.`

const personaPrompt = `You are a friendly and professional insurance claims assistant speaking on the phone.
Respond based ONLY on the structured data in the user's message.
- If a single claim is found, confirm it using the customer's name and policy id, then ask how you can help.
- If multiple claims are found, state the number of claims and ask the caller to clarify with a policy id. Do not list the claims unless asked.
- If no claims are found, say so politely and suggest they rephrase. Never state a policy id that is not in the data.
- If the caller asks a follow-up about the claim they are locked on to, answer from that claim.
- NEVER invent information. If something is not in the data, say you do not have that information.
- Keep responses short and natural for speech: no lists, no markdown, no abbreviations you would not say aloud.`

// Apology is spoken when a turn fails
const Apology = "I'm sorry, I encountered a technical issue."

func contextHeader(lock *Lock) string {
	if lock != nil {
		return fmt.Sprintf("The caller is asking a follow-up question about policy id %s.", lock.PolicyID)
	}
	return "The caller is performing an initial search for a claim."
}

// userPrompt carries the lock header, the search outcome and the utterance
// to the persona model
func userPrompt(lock *Lock, query string, searched bool, res retrieval.Result, utterance string) string {
	var b strings.Builder
	b.WriteString(contextHeader(lock))
	b.WriteString("\n\nHere is the data you must use to formulate your response:\n\n")
	fmt.Fprintf(&b, "Original caller utterance: %q\n", utterance)

	if lock != nil {
		locked, _ := json.MarshalIndent(lock.Record, "", "  ")
		fmt.Fprintf(&b, "Locked claim: %s\n", locked)
	}

	if !searched {
		b.WriteString("Database Search Results: no search was run for this utterance.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "Search keywords: %q\n", query)
	results, _ := json.MarshalIndent(res, "", "  ")
	fmt.Fprintf(&b, "Database Search Results: %s\n", results)
	return b.String()
}
