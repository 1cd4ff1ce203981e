package render

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertLegacy(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Oi {nome}!", "Oi {{ nome }}!"},
		{"{nome} {sobrenome}", "{{ nome }} {{ sobrenome }}"},
		{"Oi {{ nome }}", "Oi {{ nome }}"},
		{"{% if nome %}Oi {nome}{% endif %}", "{% if nome %}Oi {{ nome }}{% endif %}"},
		{"preço {R$ 10}", "preço {R$ 10}"},
		{"chave {", "chave {"},
		{"sem placeholders", "sem placeholders"},
		{"{ nome }", "{{ nome }}"},
		{"{1abc}", "{1abc}"},
	}
	for _, tt := range tests {
		if got := ConvertLegacy(tt.in); got != tt.want {
			t.Errorf("ConvertLegacy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRender(t *testing.T) {
	ts := NewTemplateService()
	vars := map[string]any{"nome": "maria silva", "sobrenome": "", "total": 12345}

	tests := []struct {
		name string
		tpl  string
		want string
	}{
		{"legacy", "Olá {nome}, tudo bem?", "Olá maria silva, tudo bem?"},
		{"liquid", "Olá {{ nome | titlecase }}", "Olá Maria Silva"},
		{"first word", "Oi {{ nome | first_word | capitalize }}", "Oi Maria"},
		{"default", `{{ sobrenome | default: "cliente" }}`, "cliente"},
		{"missing variable is blank", "Oi {apelido}.", "Oi ."},
		{"delimiter", "{{ total | number_with_delimiter }}", "12.345"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ts.Render(tt.tpl, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderParseErrorReturnsSource(t *testing.T) {
	ts := NewTemplateService()
	src := "Oi {% if %}"
	got, err := ts.Render(src, nil)
	assert.Error(t, err)
	assert.Equal(t, src, got)
	assert.Error(t, ts.Parse(src))
}

func TestRenderCaches(t *testing.T) {
	ts := NewTemplateService()
	_, err := ts.Render("Oi {nome}", map[string]any{"nome": "A"})
	require.NoError(t, err)

	_, ok := ts.cache.Load("Oi {nome}")
	assert.True(t, ok)

	got, err := ts.Render("Oi {nome}", map[string]any{"nome": "B"})
	require.NoError(t, err)
	assert.Equal(t, "Oi B", got)

	ts.ClearCache()
	_, ok = ts.cache.Load("Oi {nome}")
	assert.False(t, ok)
}

func TestBrDateFilter(t *testing.T) {
	ts := NewTemplateService()
	at := time.Date(2026, 3, 4, 10, 5, 0, 0, time.UTC)
	got, err := ts.Render("{{ at | brdate }} / {{ day | brdate }}", map[string]any{"at": at, "day": "2026-03-04"})
	require.NoError(t, err)
	assert.Equal(t, "04/03/2026 10:05 / 04/03/2026", got)
}

func TestFormatPhone(t *testing.T) {
	tests := []struct{ in, want string }{
		{"5511987654321", "+55 (11) 98765-4321"},
		{"551133334444", "+55 (11) 3333-4444"},
		{"11987654321", "(11) 98765-4321"},
		{"12345", "12345"},
	}
	for _, tt := range tests {
		if got := FormatPhone(tt.in); got != tt.want {
			t.Errorf("FormatPhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
