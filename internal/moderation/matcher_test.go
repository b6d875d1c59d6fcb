package moderation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Asadalnjar/whatsapp-bot-backend/internal/textnorm"
)

func TestCompile_Includes(t *testing.T) {
	m := Compile("سبام", ModeIncludes)
	require.NotNil(t, m)

	tests := []struct {
		text string
		want bool
	}{
		{"هذا سبام واضح", true},
		{"سبامات", true},
		{"رسالة نظيفة", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Test(textnorm.Normalize(tt.text)))
		})
	}
}

func TestCompile_TermIsNormalized(t *testing.T) {
	m := Compile("مُحَمَّـــد", ModeIncludes)
	require.NotNil(t, m)
	assert.True(t, m.Test(textnorm.Normalize("اسمي محمد")))

	m = Compile("SPAM!", ModeIncludes)
	require.NotNil(t, m)
	assert.True(t, m.Test(textnorm.Normalize("This is Spam")))
}

func TestCompile_PresentationForms(t *testing.T) {
	m := Compile("سبام", ModeWord)
	require.NotNil(t, m)
	assert.True(t, m.Test(textnorm.Normalize("هذا ﺳﺒﺎﻡ واضح")))

	m = Compile("spam", ModeIncludes)
	require.NotNil(t, m)
	assert.True(t, m.Test(textnorm.Normalize("ＳＰＡＭ ｌｉｎｋ")))
}

func TestCompile_WordMode(t *testing.T) {
	m := Compile("منع", ModeWord)
	require.NotNil(t, m)

	assert.False(t, m.Test(textnorm.Normalize("الممنوع")), "must not match inside a longer word")
	assert.False(t, m.Test(textnorm.Normalize("يمنع")), "must not match inside a longer word")
	assert.True(t, Compile("منع", ModeIncludes).Test(textnorm.Normalize("يمنع")))
	assert.True(t, m.Test(textnorm.Normalize("منع")))
	assert.True(t, m.Test(textnorm.Normalize("هذا منع واضح")))
	assert.True(t, m.Test(textnorm.Normalize("قرار: منع!")))
}

func TestCompile_Wildcard(t *testing.T) {
	m := Compile("b*d", ModeIncludes)
	require.NotNil(t, m)

	tests := []struct {
		text string
		want bool
	}{
		{"bad", true},
		{"bored", true},
		{"bd", true}, // * matches the empty sequence
		{"cat", false},
		{"db", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Test(tt.text))
		})
	}

	word := Compile("b*d", ModeWord)
	require.NotNil(t, word)
	assert.True(t, word.Test("a bad day"))
	assert.False(t, word.Test("abad"))

	arabic := Compile("منع*رابط", ModeIncludes)
	require.NotNil(t, arabic)
	assert.True(t, arabic.Test(textnorm.Normalize("هذا منع-رابط")))
}

func TestCompile_Regex(t *testing.T) {
	m := Compile(`/^\d{3}$/`, ModeIncludes)
	require.NotNil(t, m)
	assert.True(t, m.Test("123"))
	assert.False(t, m.Test("1234"))

	alt := Compile(`/سبام|SPAM/`, ModeWord)
	require.NotNil(t, alt)
	assert.True(t, alt.Test("buy spam now"), "no flags means case-insensitive")

	strict := Compile(`/SPAM/g`, ModeIncludes)
	require.NotNil(t, strict)
	assert.False(t, strict.Test("spam"), "explicit flags without i are case-sensitive")
}

func TestCompile_NeverMatches(t *testing.T) {
	for _, raw := range []string{"", "   ", "***", "!!!", `/(?<=x)y/`, `/[unclosed/`} {
		t.Run(raw, func(t *testing.T) {
			m := Compile(raw, ModeIncludes)
			assert.Nil(t, m)
			assert.False(t, m.Test("anything at all"))
		})
	}
}

func TestRegexFlags(t *testing.T) {
	assert.Equal(t, "(?i)", regexFlags(""))
	assert.Equal(t, "", regexFlags("g"))
	assert.Equal(t, "(?im)", regexFlags("gim"))
	assert.Equal(t, "(?s)", regexFlags("ss"))
}

func TestMatcherCache(t *testing.T) {
	c := NewMatcherCache()

	a := c.Get("سبام", ModeIncludes)
	b := c.Get("سبام", ModeIncludes)
	w := c.Get("سبام", ModeWord)
	broken := c.Get(`/(?<=x)/`, ModeIncludes)

	assert.Same(t, a, b)
	assert.NotSame(t, a, w)
	assert.Nil(t, broken)
	assert.Equal(t, 3, cached(c))
	assert.Nil(t, c.Get(`/(?<=x)/`, ModeIncludes))
	assert.Equal(t, 3, cached(c), "failed compilations are cached too")
}

func cached(c *MatcherCache) int {
	n := 0
	c.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func TestMatcherCache_Concurrent(t *testing.T) {
	c := NewMatcherCache()
	var wg sync.WaitGroup
	results := make([]*Matcher, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Get("spam", ModeWord)
		}(i)
	}
	wg.Wait()
	for _, m := range results {
		assert.Same(t, results[0], m)
	}
}
