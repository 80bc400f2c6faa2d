// Package script builds the agent's working instruction text from a base
// template and the mandatory safety and constraint layers.
package script

import (
	"regexp"
	"strings"

	"github.com/xkilldash9x/scriptgym/api/schemas"
)

const (
	// SafetyMarker identifies a text that already carries the safety layer.
	SafetyMarker = "CRITICAL OUTPUT RULES"

	// NamePlaceholder is substituted with the counterparty's name at reset time.
	NamePlaceholder = "{defaulter_name}"
	// UnknownNameValue stands in for the name until a scenario starts.
	UnknownNameValue = "[Defaulter Name]"

	userInstructionsOpen  = "<user_instructions>"
	userInstructionsClose = "</user_instructions>"
)

// SafetyRules is the output-hygiene layer. It must appear exactly once in every
// composed script.
const SafetyRules = `CRITICAL OUTPUT RULES:
1. OUTPUT ONLY THE SPOKEN WORDS.
2. DO NOT use headers like "Turn 1:", "Plan B:", or "**Response:**".
3. DO NOT write post-call analysis or evaluations.
4. If you output a header, the system will CRASH.
`

// AntiHallucinationRules keeps the agent from inventing plans, rates or contact details.
const AntiHallucinationRules = `<strict_constraints>
1. YOU ARE DUMB. Do not be helpful beyond your specific instructions.
2. IF the user did not give you a specific payment plan (e.g., "$50/month"), DO NOT INVENT ONE. Say: "I do not have a plan for that."
3. IF the user did not give you a specific interest rate, DO NOT INVENT ONE. Say: "I do not have that information."
4. IF the user did not give you a company name, use "The Agency".
5. Do NOT hallucinate PO Boxes, websites, or phone numbers.
6. Your goal is to follow the user's prompt EXACTLY. If the prompt is bad, you must be bad.
</strict_constraints>
`

// DefaultCoreScript is used whenever a run starts without a base template.
const DefaultCoreScript = `You are 'Rachel', a debt collection specialist for RiverLine Bank. You are speaking over the phone.

**CORE BEHAVIORS:**
1. **BREVITY IS KING:** You are a VOICE agent. You must keep responses short (under 40 words). Do not give speeches. Do not use bullet points. Do not read long lists of options.
2. **TONE:** Firm on the debt, soft on the person. Be empathetic but persistent.
3. **GOAL:** Verify the user's name, identify the reason for non-payment, and negotiate a payment plan for the $500 overdue loan.
4. **NO NARRATION:** Do not output stage directions like "(waits for response)" or "(dialing)". Only output the words you speak.

**NEGOTIATION FLOW:**
1. Verify Identity ("Am I speaking with [Name]?").
2. State Purpose (Loan is 30 days overdue, owe $500).
3. Discovery (Ask WHY they haven't paid).
4. Empathize & Pivot (Acknowledge their struggle, but pivot back to finding a solution).
5. Solution (Ask for full payment -> If no, offer partial payment -> If no, offer hardship plan).

**CRITICAL RULES:**
- If the user gets angry, acknowledge it briefly and move to a solution.
- Do not hallucinate legal threats.
- Do not make up address details; ask the user to confirm theirs.
- ONE question per turn. Do not stack questions.
- Do not summarize the total sum. State the monthly payment only.

**Your First Line:** "Hi, this is Rachel from RiverLine Bank. Am I speaking with {defaulter_name}?"
`

var openTagRegex = regexp.MustCompile(`<([A-Za-z_][A-Za-z0-9_-]*)>`)

// Compose returns the composed form of candidate. Texts that already carry the
// safety layer are returned unchanged, so Compose(Compose(x)) == Compose(x).
func Compose(candidate string) string {
	if strings.Contains(candidate, SafetyMarker) {
		return candidate
	}
	if strings.TrimSpace(candidate) == "" {
		candidate = DefaultCoreScript
	}
	if hasTaggedSections(candidate) {
		return SafetyRules + "\n" + candidate
	}
	return SafetyRules + "\n" + AntiHallucinationRules + "\n\n" +
		userInstructionsOpen + "\n" + candidate + "\n" + userInstructionsClose
}

// hasTaggedSections reports whether text looks like an optimizer-produced
// script, i.e. contains at least one closed <tag>...</tag> section.
func hasTaggedSections(text string) bool {
	for _, m := range openTagRegex.FindAllStringSubmatchIndex(text, -1) {
		name := text[m[2]:m[3]]
		if strings.Contains(text[m[1]:], "</"+name+">") {
			return true
		}
	}
	return false
}

// Instantiate replaces every occurrence of placeholder with value. A text
// without the placeholder is returned as is.
func Instantiate(text, placeholder, value string) string {
	if placeholder == "" {
		return text
	}
	return strings.ReplaceAll(text, placeholder, value)
}

// New builds a Script from a base template.
func New(base string) schemas.Script {
	return schemas.Script{BaseTemplate: base, ComposedText: Compose(base)}
}

// Rebase recomposes s around a new base template.
func Rebase(s schemas.Script, base string) schemas.Script {
	s.BaseTemplate = base
	s.ComposedText = Compose(base)
	return s
}

// CountOccurrences reports how many times sub appears in text.
func CountOccurrences(text, sub string) int {
	if sub == "" {
		return 0
	}
	return strings.Count(text, sub)
}
