package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStageAndKeyColumnsLiteralMatch(t *testing.T) {
	var s = New()
	require.NoError(t, s.Stage([]Element{
		{Owner: "SALES", Table: "ORDERS", KeyColumns: []string{"ORDER_ID"}},
	}))

	keys, ok := s.KeyColumns("SALES", "ORDERS")
	require.True(t, ok)
	require.Equal(t, []string{"ORDER_ID"}, keys)

	_, ok = s.KeyColumns("SALES", "CUSTOMERS")
	require.False(t, ok)
}

func TestStagePatternMatch(t *testing.T) {
	var s = New()
	require.NoError(t, s.Stage([]Element{
		{Owner: "SALES", Table: "^ORD_.*$", Pattern: true, KeyColumns: []string{"ID"}},
	}))

	_, ok := s.KeyColumns("SALES", "ORD_2024")
	require.True(t, ok)
	_, ok = s.KeyColumns("SALES", "OTHER")
	require.False(t, ok)
}

func TestStageRejectsInvalidPattern(t *testing.T) {
	var s = New()
	require.Error(t, s.Stage([]Element{
		{Owner: "SALES", Table: "(unterminated", Pattern: true},
	}))
}

func TestFingerprintStableAcrossDeclarationOrder(t *testing.T) {
	var a, b = New(), New()
	require.NoError(t, a.Stage([]Element{
		{Owner: "S", Table: "A", KeyColumns: []string{"ID"}},
		{Owner: "S", Table: "B", KeyColumns: []string{"ID"}},
	}))
	require.NoError(t, b.Stage([]Element{
		{Owner: "S", Table: "B", KeyColumns: []string{"ID"}},
		{Owner: "S", Table: "A", KeyColumns: []string{"ID"}},
	}))
	require.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestFingerprintChangesOnContentChange(t *testing.T) {
	var s = New()
	require.NoError(t, s.Stage([]Element{{Owner: "S", Table: "A", KeyColumns: []string{"ID"}}}))
	var first = s.Fingerprint()
	require.NoError(t, s.Stage([]Element{{Owner: "S", Table: "A", KeyColumns: []string{"ID", "NAME"}}}))
	require.NotEqual(t, first, s.Fingerprint())
}

type stubLoader struct{ elements []Element }

func (l stubLoader) Load(context.Context) ([]Element, error) { return l.elements, nil }

func TestReloadStagesLoaderOutput(t *testing.T) {
	var s = New()
	require.NoError(t, s.Reload(context.Background(), stubLoader{elements: []Element{
		{Owner: "S", Table: "A", KeyColumns: []string{"ID"}},
	}}))
	_, ok := s.KeyColumns("S", "A")
	require.True(t, ok)
}

func TestUsersReturnsDistinctOwners(t *testing.T) {
	var s = New()
	require.NoError(t, s.Stage([]Element{
		{Owner: "S1", Table: "A"}, {Owner: "S1", Table: "B"}, {Owner: "S2", Table: "C"},
	}))
	var users = s.Users()
	require.Len(t, users, 2)
	_, ok := users["S1"]
	require.True(t, ok)
}
