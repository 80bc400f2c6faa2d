package script

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompose(t *testing.T) {
	t.Run("plain text is wrapped in every layer", func(t *testing.T) {
		out := Compose("Be kind. Offer $50/month.")
		assert.True(t, strings.HasPrefix(out, SafetyRules))
		assert.Contains(t, out, "<strict_constraints>")
		assert.Contains(t, out, "<user_instructions>\nBe kind. Offer $50/month.\n</user_instructions>")
		assert.Equal(t, 1, CountOccurrences(out, SafetyMarker))
	})

	t.Run("already composed text is unchanged", func(t *testing.T) {
		composed := Compose("anything")
		assert.Equal(t, composed, Compose(composed))
	})

	t.Run("tagged text only gets the safety layer", func(t *testing.T) {
		tagged := "<persona>Rachel</persona>\n<negotiation>Offer $50/month.</negotiation>"
		out := Compose(tagged)
		assert.Equal(t, SafetyRules+"\n"+tagged, out)
		assert.NotContains(t, out, "<user_instructions>")
		assert.Equal(t, 1, CountOccurrences(out, SafetyMarker))
	})

	t.Run("unclosed tag does not count as a section", func(t *testing.T) {
		out := Compose("Use <b> for bold, never close it")
		assert.Contains(t, out, "<user_instructions>")
	})

	t.Run("empty base falls back to the default script once", func(t *testing.T) {
		for _, base := range []string{"", "   \n\t"} {
			out := Compose(base)
			assert.Equal(t, 1, CountOccurrences(out, SafetyMarker))
			assert.Equal(t, 1, CountOccurrences(out, "You are 'Rachel'"))
			assert.Contains(t, out, NamePlaceholder)
		}
	})
}

func TestCompose_Idempotent(t *testing.T) {
	inputs := []string{
		"",
		"short",
		DefaultCoreScript,
		"<user_instructions>\nfoo\n</user_instructions>",
		SafetyRules + "\nalready safe",
		"<a>x</a><b>y",
		"no markers {defaulter_name}",
	}
	for _, in := range inputs {
		once := Compose(in)
		assert.Equal(t, once, Compose(once), "input %q", in)
		assert.Equal(t, 1, CountOccurrences(once, SafetyMarker), "input %q", in)
	}
}

func TestInstantiate(t *testing.T) {
	text := "Am I speaking with {defaulter_name}? Yes, {defaulter_name}."
	assert.Equal(t, "Am I speaking with Ana? Yes, Ana.", Instantiate(text, NamePlaceholder, "Ana"))
	assert.Equal(t, "no placeholder", Instantiate("no placeholder", NamePlaceholder, "Ana"))
	assert.Equal(t, text, Instantiate(text, "", "Ana"))

	once := Instantiate(text, NamePlaceholder, "Ana")
	assert.Equal(t, once, Instantiate(once, NamePlaceholder, "Ana"))
}

func TestNewAndRebase(t *testing.T) {
	s := New("")
	require.Equal(t, "", s.BaseTemplate)
	assert.Contains(t, s.ComposedText, "RiverLine Bank")

	r := Rebase(s, "<rules>be brief</rules>")
	assert.Equal(t, "<rules>be brief</rules>", r.BaseTemplate)
	assert.Equal(t, SafetyRules+"\n<rules>be brief</rules>", r.ComposedText)
	assert.Contains(t, s.ComposedText, "RiverLine Bank", "Rebase returns a copy")
}
