package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventType(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    EventType
		wantErr bool
	}{
		{"exact", "PAGE_SYNC", EventPageSync, false},
		{"lower case", "help_request", EventHelpRequest, false},
		{"padded", "  LOGIN ", EventLogin, false},
		{"unknown", "DANCE", "", true},
		{"empty", "", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseEventType(tc.input)
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidEventType))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDescribeCoversEveryEventType(t *testing.T) {
	for _, et := range AllEventTypes {
		e := &Event{EventType: et, Data: map[string]any{}}
		assert.NotEqual(t, "Unknown activity", e.Describe(), "missing description for %s", et)
	}
	assert.Equal(t, "Unknown activity", (&Event{EventType: "NOPE"}).Describe())
}

func TestDescribeUsesPayloadFields(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  string
	}{
		{
			"page with book",
			Event{EventType: EventPageSync, Data: map[string]any{"bookId": "b1", "pageNumber": float64(5)}},
			"Viewing page 5 of book b1",
		},
		{
			"page without book",
			Event{EventType: EventPageSync, Data: map[string]any{"pageNumber": 12}},
			"Viewing page 12",
		},
		{
			"section",
			Event{EventType: EventSectionSync, Data: map[string]any{"sectionTitle": "Down the Rabbit-Hole"}},
			"Reading section Down the Rabbit-Hole",
		},
		{
			"definition",
			Event{EventType: EventDefinitionLookup, Data: map[string]any{"term": "curious"}},
			`Looked up definition of "curious"`,
		},
		{
			"help with message",
			Event{EventType: EventHelpRequest, Data: map[string]any{"message": "stuck on chapter 2"}},
			"Requested help: stuck on chapter 2",
		},
		{
			"quiz score",
			Event{EventType: EventQuizAttempt, Data: map[string]any{"score": float64(80)}},
			"Attempted a quiz (score 80)",
		},
		{
			"note without page",
			Event{EventType: EventNoteCreated},
			"Created a note",
		},
		{
			"page without page number",
			Event{EventType: EventPageSync, Data: map[string]any{"bookId": "b1"}},
			"Changed page",
		},
		{
			"section without title",
			Event{EventType: EventSectionSync},
			"Changed section",
		},
		{
			"definition without term",
			Event{EventType: EventDefinitionLookup, Data: map[string]any{}},
			"Looked up a definition",
		},
		{
			"definition by word alias",
			Event{EventType: EventDefinitionLookup, Data: map[string]any{"word": "grin"}},
			`Looked up definition of "grin"`,
		},
		{
			"ai query without query",
			Event{EventType: EventAIQuery},
			"Asked the AI assistant",
		},
		{
			"help without message",
			Event{EventType: EventHelpRequest},
			"Requested help",
		},
		{
			"unknown type",
			Event{EventType: EventType("TELEPORT")},
			"Unknown activity",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.event.Describe())
		})
	}
}

func TestDescribeTruncatesLongAIQuery(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "a"
	}
	e := &Event{EventType: EventAIQuery, Data: map[string]any{"query": long}}
	desc := e.Describe()
	assert.Contains(t, desc, "Asked the AI assistant")
	assert.Less(t, len([]rune(desc)), 100)
}

func TestSubscriptionMatches(t *testing.T) {
	all := &ConsultantSubscription{}
	assert.True(t, all.Matches(EventPageSync))

	help := &ConsultantSubscription{EventTypes: []EventType{EventHelpRequest}}
	assert.True(t, help.Matches(EventHelpRequest))
	assert.False(t, help.Matches(EventPageSync))
}
