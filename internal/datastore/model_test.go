package datastore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStringListUnion(t *testing.T) {
	base := StringList{"a", "b"}

	merged, added := base.Union([]string{"b", "c", ""})
	assert.True(t, added)
	assert.Equal(t, StringList{"a", "b", "c"}, merged)

	// Re-adding existing values is a no-op.
	merged, added = merged.Union([]string{"a", "c"})
	assert.False(t, added)
	assert.Equal(t, StringList{"a", "b", "c"}, merged)

	// Union never mutates the receiver.
	assert.Equal(t, StringList{"a", "b"}, base)
}

func TestStringListWithout(t *testing.T) {
	l := StringList{"a", "b", "c"}
	assert.Equal(t, StringList{"a", "c"}, l.Without("b"))
	assert.Equal(t, StringList{"a", "b", "c"}, l.Without("missing"))
}

func TestBookIdentity(t *testing.T) {
	tests := []struct {
		name string
		book Book
		want string
	}{
		{"asin wins over title", Book{ASIN: "B001", Title: "Some Book"}, "asin:B001"},
		{"title fallback is normalized", Book{Title: "  The Fold "}, "title:the fold"},
		{"no usable identity", Book{}, ""},
		{"blank title", Book{Title: "   "}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.book.Identity())
		})
	}
}
