package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Re: Budget review", "Budget review"},
		{"RE: Budget review", "Budget review"},
		{"Fwd: Budget review", "Budget review"},
		{"re[2]: Budget review", "Budget review"},
		{"Re: Fwd: Budget review", "Budget review"},
		{"  Budget review  ", "Budget review"},
		{"Budget review", "Budget review"},
		// A subject merely starting with a prefix token is not a reply.
		{"Report", "Report"},
		{"Re: Report", "Report"},
		{"Rewrite the parser", "Rewrite the parser"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeSubject(tt.in), "input %q", tt.in)
	}
}

func TestHasReplyPrefix(t *testing.T) {
	assert.True(t, HasReplyPrefix("Re: hello there"))
	assert.True(t, HasReplyPrefix("Fwd: hello there"))
	assert.False(t, HasReplyPrefix("Budget review"))
	assert.False(t, HasReplyPrefix("Report"))
	assert.False(t, HasReplyPrefix(""))
}

func TestIsGenericSubject(t *testing.T) {
	assert.True(t, IsGenericSubject(""))
	assert.True(t, IsGenericSubject("hi"))
	assert.True(t, IsGenericSubject("Test"))
	assert.True(t, IsGenericSubject("abc"))
	assert.True(t, IsGenericSubject("meeting"))
	assert.False(t, IsGenericSubject("Quarterly budget review"))
	assert.False(t, IsGenericSubject("deploy checklist"))
}

func TestNormalizeMessageID(t *testing.T) {
	assert.Equal(t, "abc@example.com", NormalizeMessageID("<abc@example.com>"))
	assert.Equal(t, "abc@example.com", NormalizeMessageID("  abc@example.com  "))
	assert.Equal(t, "", NormalizeMessageID(""))
}

func TestSplitMessageIDs(t *testing.T) {
	ids := SplitMessageIDs("<a@x.com> <b@x.com>\t<c@x.com>")
	assert.Equal(t, []string{"a@x.com", "b@x.com", "c@x.com"}, ids)
	assert.Empty(t, SplitMessageIDs(""))
}

func TestParseAddressHeader(t *testing.T) {
	name, address := ParseAddressHeader("Ann Example <ann@example.com>")
	assert.Equal(t, "Ann Example", name)
	assert.Equal(t, "ann@example.com", address)

	name, address = ParseAddressHeader("bare@example.com")
	assert.Equal(t, "", name)
	assert.Equal(t, "bare@example.com", address)
}

func TestParseAddressListHeader(t *testing.T) {
	addresses := ParseAddressListHeader("Ann <ann@example.com>, bob@example.com")
	assert.Equal(t, []string{"ann@example.com", "bob@example.com"}, addresses)
	assert.Empty(t, ParseAddressListHeader(""))
}
