package changeid_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/gitreview/gitreviewd/internal/changeid"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"valid", "I" + repeat("a", 40), true},
		{"uppercase hex rejected", "I" + repeat("A", 40), false},
		{"too short", "I" + repeat("a", 39), false},
		{"too long", "I" + repeat("a", 41), false},
		{"missing prefix", repeat("a", 41), false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, changeid.Validate(tt.id))
		})
	}
}

func TestExtract(t *testing.T) {
	id := "I" + repeat("a", 40)

	t.Run("present", func(t *testing.T) {
		msg := "Add a widget\n\nSome body text.\n\nChange-Id: " + id + "\n"
		got, ok := changeid.Extract(msg)
		require.True(t, ok)
		assert.Equal(t, id, got)
	})

	t.Run("absent", func(t *testing.T) {
		_, ok := changeid.Extract("Add a widget\n\nSome body text.\n")
		assert.False(t, ok)
	})

	t.Run("last of multiple wins", func(t *testing.T) {
		id2 := "I" + repeat("b", 40)
		msg := "Subject\n\nChange-Id: " + id + "\nChange-Id: " + id2 + "\n"
		got, ok := changeid.Extract(msg)
		require.True(t, ok)
		assert.Equal(t, id2, got)
		assert.Equal(t, 2, changeid.Count(msg))
	})
}

func TestGenerate_deterministic(t *testing.T) {
	sig := changeid.Signature{
		Name:  "Ada Lovelace",
		Email: "ada@example.com",
		Time:  time.Date(2026, 1, 2, 15, 4, 5, 0, time.FixedZone("", -7*3600)),
	}

	id1 := changeid.Generate("deadbeef", []string{"cafef00d"}, sig, sig, "Subject\n\nBody.")
	id2 := changeid.Generate("deadbeef", []string{"cafef00d"}, sig, sig, "Subject\n\nBody.")
	assert.Equal(t, id1, id2)
	assert.True(t, changeid.Validate(id1))

	id3 := changeid.Generate("deadbeef", []string{"cafef00d"}, sig, sig, "Different subject.")
	assert.NotEqual(t, id1, id3)
}

func TestAddOrUpdate(t *testing.T) {
	id := "I" + repeat("a", 40)

	t.Run("inserts footer", func(t *testing.T) {
		got := changeid.AddOrUpdate("Subject\n\nBody text.", id)
		assert.Equal(t, "Subject\n\nBody text.\n\nChange-Id: "+id, got)
	})

	t.Run("preserves other trailers", func(t *testing.T) {
		msg := "Subject\n\nBody text.\n\nSigned-off-by: A <a@example.com>"
		got := changeid.AddOrUpdate(msg, id)
		assert.Equal(t, "Subject\n\nBody text.\n\nChange-Id: "+id+"\nSigned-off-by: A <a@example.com>", got)
	})

	t.Run("idempotent when already present", func(t *testing.T) {
		msg := "Subject\n\nBody.\n\nChange-Id: " + id
		assert.Equal(t, msg, changeid.AddOrUpdate(msg, "I"+repeat("f", 40)))
	})
}

func TestAddOrUpdate_idempotentProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		subject := rapid.StringMatching(`[A-Za-z0-9 ]{1,40}`).Draw(t, "subject")
		id := "I" + rapid.StringMatching(`[0-9a-f]{40}`).Draw(t, "id")

		once := changeid.AddOrUpdate(subject, id)
		twice := changeid.AddOrUpdate(once, id)
		assert.Equal(t, once, twice, "addOrUpdate must be idempotent")

		got, ok := changeid.Extract(once)
		require.True(t, ok)
		assert.Equal(t, id, got)
	})
}

func TestParse(t *testing.T) {
	id := "I" + repeat("a", 40)
	msg := "Fix the thing\n\nLonger explanation.\n\nChange-Id: " + id + "\nSigned-off-by: A <a@example.com>\nBug: 1234"

	got := changeid.Parse(msg)
	assert.Equal(t, "Fix the thing", got.Subject)
	assert.Equal(t, "Longer explanation.", got.Body)
	assert.True(t, got.HasChangeID)
	assert.Equal(t, id, got.ChangeID)
	assert.Equal(t, []string{"A <a@example.com>"}, got.SignedOffBy)
	assert.Equal(t, []string{"1234"}, got.Bugs)
}

func repeat(s string, n int) string {
	out := make([]byte, 0, n*len(s))
	for range n {
		out = append(out, s...)
	}
	return string(out)
}
