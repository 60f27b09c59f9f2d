package sha256

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/lens-scraper/internal/lens"
)

func TestHasherHash(t *testing.T) {
	t.Parallel()

	got, err := New().Hash([]byte("abc"))
	require.NoError(t, err)
	require.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", got)
}

func TestHasherHashReader(t *testing.T) {
	t.Parallel()

	got, n, err := New().HashReader(strings.NewReader("abc"))
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
	require.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", got)
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	h := New()
	base := lens.Request{ImageURL: "https://IMG.example.com/a.jpg#frag", SearchType: lens.SearchAll}
	same := lens.Request{ImageURL: "https://img.example.com/a.jpg", SearchType: lens.SearchAll}
	visual := lens.Request{ImageURL: "https://img.example.com/a.jpg", SearchType: lens.SearchVisualMatches}

	require.Equal(t, h.Fingerprint(base, ""), h.Fingerprint(same, ""))
	require.NotEqual(t, h.Fingerprint(same, ""), h.Fingerprint(visual, ""))
	require.Len(t, h.Fingerprint(same, ""), 64)

	other := lens.Request{ImageURL: "https://cdn.example.com/copy.jpg", SearchType: lens.SearchAll}
	require.Equal(t, h.Fingerprint(same, "digest"), h.Fingerprint(other, "digest"))

	data := lens.Request{ImageData: []byte{1, 2, 3}, SearchType: lens.SearchAll}
	require.NotEqual(t, h.Fingerprint(data, ""), h.Fingerprint(same, ""))
}
