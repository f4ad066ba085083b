// Package i18n loads localized notification strings.
package i18n

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var localeFS embed.FS

// Translator resolves keys in one language, falling back to English and then to the key itself.
type Translator struct {
	strings  map[string]map[string]string
	lang     string
	fallback string
}

// New loads the embedded locales and selects lang.
func New(lang string) (*Translator, error) {
	return Load(localeFS, "locales", lang)
}

// Load reads every <lang>.yaml file in dir of fsys.
func Load(fsys fs.FS, dir, lang string) (*Translator, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read locales: %w", err)
	}

	t := &Translator{
		strings:  make(map[string]map[string]string),
		lang:     lang,
		fallback: "en",
	}
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".yaml" {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read locale %s: %w", e.Name(), err)
		}
		var m map[string]string
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse locale %s: %w", e.Name(), err)
		}
		t.strings[strings.TrimSuffix(e.Name(), ".yaml")] = m
	}

	if _, ok := t.strings[lang]; !ok {
		t.lang = t.fallback
	}
	return t, nil
}

// Language returns the active language.
func (t *Translator) Language() string {
	return t.lang
}

// T returns the localized string for key with __name__ placeholders replaced from params.
func (t *Translator) T(key string, params map[string]string) string {
	s, ok := t.strings[t.lang][key]
	if !ok {
		s, ok = t.strings[t.fallback][key]
	}
	if !ok {
		return key
	}
	if len(params) == 0 {
		return s
	}

	pairs := make([]string, 0, len(params)*2)
	for k, v := range params {
		pairs = append(pairs, "__"+k+"__", v)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}
