package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleValidate(t *testing.T) {
	valid := Rule{Name: "PDFs", Condition: HasExtension("pdf"), Actions: []Action{MoveTo("/tmp/pdfs")}}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name string
		rule Rule
	}{
		{"missing name", Rule{Condition: HasExtension("pdf"), Actions: []Action{Trash()}}},
		{"blank name", Rule{Name: "  ", Condition: HasExtension("pdf"), Actions: []Action{Trash()}}},
		{"no actions", Rule{Name: "x", Condition: HasExtension("pdf")}},
		{"empty extension set", Rule{Name: "x", Condition: HasExtension(), Actions: []Action{Trash()}}},
		{"bad regex", Rule{Name: "x", Condition: NameRegex("("), Actions: []Action{Trash()}}},
		{"bad glob", Rule{Name: "x", Condition: NameGlob("[a"), Actions: []Action{Trash()}}},
		{"bad comparator", Rule{Name: "x", Condition: SizeCompare("ge", 1), Actions: []Action{Trash()}}},
		{"unknown condition", Rule{Name: "x", Condition: Condition{Type: "color"}, Actions: []Action{Trash()}}},
		{"nested invalid", Rule{Name: "x", Condition: AllOf(AnyOf(Condition{Type: "?"})), Actions: []Action{Trash()}}},
		{"move without destination", Rule{Name: "x", Condition: AllOf(), Actions: []Action{{Type: ActionMove}}}},
		{"rename with separator", Rule{Name: "x", Condition: AllOf(), Actions: []Action{RenameTo("a/{name}")}}},
		{"run without command", Rule{Name: "x", Condition: AllOf(), Actions: []Action{Run("")}}},
		{"unknown action", Rule{Name: "x", Condition: AllOf(), Actions: []Action{{Type: "shred"}}}},
		{"unknown trigger", Rule{Name: "x", Condition: AllOf(), Actions: []Action{Trash()}, On: []EventKind{"touched"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidRule)
		})
	}
}

func TestRuleTriggers(t *testing.T) {
	r := Rule{Name: "x"}
	assert.True(t, r.Triggers(EventCreated))
	assert.True(t, r.Triggers(EventModified))
	assert.True(t, r.Triggers(EventRenamed))
	assert.False(t, r.Triggers(EventRemoved))

	r.On = []EventKind{EventRemoved}
	assert.True(t, r.Triggers(EventRemoved))
	assert.False(t, r.Triggers(EventCreated))
}

func TestRuleCloneIsDeep(t *testing.T) {
	orig := Rule{
		Name:      "x",
		Condition: AllOf(HasExtension("pdf")),
		Actions:   []Action{MoveTo("/a")},
	}
	cp := orig.Clone()
	cp.Actions[0].Destination = "/b"
	cp.Condition.Conditions[0].Extensions[0] = "txt"

	assert.Equal(t, "/a", orig.Actions[0].Destination)
	assert.Equal(t, "pdf", orig.Condition.Conditions[0].Extensions[0])
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(fmt.Errorf("rule abc: %w", ErrNotFound)))
	assert.Equal(t, KindInvalidRule, KindOf(Rule{}.Validate()))
	assert.Equal(t, KindTimeout, KindOf(fmt.Errorf("%w: %w", ErrActionFailed, ErrTimeout)))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))

	assert.Equal(t, ErrAlreadyRunning, SentinelFor(KindAlreadyRunning))
	assert.Nil(t, SentinelFor(KindInternal))
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "move(/dst)", MoveTo("/dst").String())
	assert.Equal(t, "rename({date}-{name})", RenameTo("{date}-{name}").String())
	assert.Equal(t, "trash", Trash().String())
	assert.True(t, MoveTo("/x").MovesSource())
	assert.False(t, CopyTo("/x").MovesSource())
	assert.True(t, Delete().RemovesSource())
}
