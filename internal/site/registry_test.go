package site

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuiltin(t *testing.T) {
	r := Builtin()
	require.Equal(t, []string{"imdb", "imdb-legacy"}, r.Names())

	p, ok := r.Get(" IMDb ")
	require.True(t, ok)
	require.Equal(t, "https://www.imdb.com/pt/chart/top/", p.ChartURL)

	_, ok = r.Get("letterboxd")
	require.False(t, ok)

	_, ok = Registry{}.Get("imdb")
	require.False(t, ok)
}

func TestNewRegistry_Rejects(t *testing.T) {
	_, err := NewRegistry(IMDb(), IMDb())
	require.Error(t, err)

	_, err = NewRegistry(Profile{})
	require.Error(t, err)

	broken := IMDb()
	broken.Name = "broken"
	broken.Rating = " "
	_, err = NewRegistry(broken)
	require.ErrorContains(t, err, "rating")
}
