package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMemoryList(t *testing.T) {
	raw := `{"memories":[{"content":"Alice prefers concise answers"},{"content":"Deadline is March 12"}]}`

	contents, err := ParseMemoryList(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice prefers concise answers", "Deadline is March 12"}, contents)
}

func TestParseMemoryListWithSurroundingProse(t *testing.T) {
	raw := "Sure! Here is the JSON you asked for:\n```json\n" +
		`{"memories":[{"content":"fact one"}]}` +
		"\n```\nLet me know if you need anything else."

	contents, err := ParseMemoryList(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"fact one"}, contents)
}

func TestParseMemoryListDropsBlankEntries(t *testing.T) {
	contents, err := ParseMemoryList(`{"memories":[{"content":"  "},{"content":"kept"}]}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, contents)
}

func TestParseMemoryListEmpty(t *testing.T) {
	contents, err := ParseMemoryList(`{"memories":[]}`)
	require.NoError(t, err)
	assert.Empty(t, contents)
}

func TestParseMemoryListMalformed(t *testing.T) {
	_, err := ParseMemoryList(`I could not find any facts worth keeping.`)
	assert.Error(t, err)

	_, err = ParseMemoryList(`{"entities":[]}`)
	assert.Error(t, err, "missing memories key must fail, not read as zero memories")
}

func TestParseMemoryListEscapedBraces(t *testing.T) {
	contents, err := ParseMemoryList(`{"memories":[{"content":"uses the pattern \"{}\" in code"}]}`)
	require.NoError(t, err)
	assert.Equal(t, []string{`uses the pattern "{}" in code`}, contents)
}

func TestParsePromotionList(t *testing.T) {
	known := []string{"id-a", "id-b", "id-c"}

	ids, err := ParsePromotionList(`{"promote":["id-b","id-a"]}`, known)
	require.NoError(t, err)
	assert.Equal(t, []string{"id-b", "id-a"}, ids)
}

func TestParsePromotionListSkipsInventedIDs(t *testing.T) {
	ids, err := ParsePromotionList(`{"promote":["id-a","made-up","id-a"]}`, []string{"id-a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"id-a"}, ids, "unknown and duplicate ids are dropped")
}

func TestParsePromotionListMissingKey(t *testing.T) {
	_, err := ParsePromotionList(`{"keep":["id-a"]}`, []string{"id-a"})
	assert.Error(t, err)
}

func TestParseSafetyVerdict(t *testing.T) {
	verdict, err := ParseSafetyVerdict(`{"safe":true,"reason":""}`)
	require.NoError(t, err)
	assert.True(t, verdict.Safe)

	verdict, err = ParseSafetyVerdict(`{"safe":false,"reason":"instructs the agent to deceive users"}`)
	require.NoError(t, err)
	assert.False(t, verdict.Safe)
	assert.Equal(t, "instructs the agent to deceive users", verdict.Reason)
}

func TestParseSafetyVerdictUnsafeWithoutReason(t *testing.T) {
	verdict, err := ParseSafetyVerdict(`{"safe":false}`)
	require.NoError(t, err)
	assert.False(t, verdict.Safe)
	assert.NotEmpty(t, verdict.Reason)
}

func TestParseSafetyVerdictMalformed(t *testing.T) {
	_, err := ParseSafetyVerdict("the text looks fine to me")
	assert.Error(t, err)
}
