// Package i18n translates user-facing messages. Catalogs are YAML files
// embedded from locales/ and served through golang.org/x/text/message.
package i18n

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
	"gopkg.in/yaml.v3"
)

// Message keys.
const (
	KeyConfigMissing      = "notify.config_missing"
	KeyAuthError          = "notify.auth_error"
	KeyUserCreation       = "notify.user_creation"
	KeyUserNotFound       = "notify.user_not_found"
	KeyLoginTitle         = "login.title"
	KeyLoginUsername      = "login.username"
	KeyLoginPassword      = "login.password"
	KeyLoginSubmit        = "login.submit"
	KeyLoginSSO           = "login.sso"
	KeyInvalidCredentials = "login.invalid_credentials"
	KeyRateLimited        = "login.rate_limited"
	KeyLoggedOut          = "logout.done"
	KeyLogout             = "logout.link"
)

const (
	// LangParam is the query parameter that selects a language.
	LangParam = "lang"
	// LangCookieName stores the language chosen with LangParam.
	LangCookieName = "oidcbridge_lang"
)

// Base is the fallback language; every catalog key must exist in it.
var Base = language.English

//go:embed locales/*.yaml
var embedded embed.FS

type catalogFile struct {
	Locale   string            `yaml:"locale"`
	Messages map[string]string `yaml:"messages"`
}

// Catalog holds the translations for all supported languages.
type Catalog struct {
	builder *catalog.Builder
	matcher language.Matcher
	tags    []language.Tag
	keys    map[language.Tag]map[string]bool
}

var defaultCatalog = mustLoad()

// Default returns the embedded catalog.
func Default() *Catalog { return defaultCatalog }

func mustLoad() *Catalog {
	c, err := LoadFS(embedded, "locales")
	if err != nil {
		panic(err)
	}
	return c
}

// LoadFS loads every *.yaml catalog in dir of fsys.
func LoadFS(fsys fs.FS, dir string) (*Catalog, error) {
	paths, err := fs.Glob(fsys, path.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("glob catalogs: %w", err)
	}
	sort.Strings(paths)

	c := &Catalog{
		builder: catalog.NewBuilder(catalog.Fallback(Base)),
		keys:    map[language.Tag]map[string]bool{},
	}
	for _, p := range paths {
		b, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("read catalog %s: %w", p, err)
		}
		var f catalogFile
		if err := yaml.Unmarshal(b, &f); err != nil {
			return nil, fmt.Errorf("parse catalog %s: %w", p, err)
		}
		tag, err := language.Parse(strings.TrimSpace(f.Locale))
		if err != nil {
			return nil, fmt.Errorf("catalog %s: locale %q: %w", p, f.Locale, err)
		}
		if _, dup := c.keys[tag]; dup {
			return nil, fmt.Errorf("catalog %s: locale %s defined twice", p, tag)
		}
		if len(f.Messages) == 0 {
			return nil, fmt.Errorf("catalog %s: no messages", p)
		}
		c.keys[tag] = make(map[string]bool, len(f.Messages))
		for k, v := range f.Messages {
			if err := c.builder.SetString(tag, k, v); err != nil {
				return nil, fmt.Errorf("catalog %s: key %q: %w", p, k, err)
			}
			c.keys[tag][k] = true
		}
		c.tags = append(c.tags, tag)
	}

	base, ok := c.keys[Base]
	if !ok {
		return nil, fmt.Errorf("base language %s has no catalog", Base)
	}
	for tag, keys := range c.keys {
		for k := range keys {
			if !base[k] {
				return nil, fmt.Errorf("key %q of %s is missing from the base catalog", k, tag)
			}
		}
	}

	// The matcher prefers its first tag, so the base goes first.
	sort.SliceStable(c.tags, func(i, j int) bool { return c.tags[i] == Base && c.tags[j] != Base })
	c.matcher = language.NewMatcher(c.tags)
	return c, nil
}

// Supported returns the catalog languages, base first.
func (c *Catalog) Supported() []language.Tag {
	return append([]language.Tag(nil), c.tags...)
}

// Match returns the best supported language for the given preferences.
// Unparseable and unknown values fall back to the base language.
func (c *Catalog) Match(prefs ...string) language.Tag {
	var tags []language.Tag
	for _, p := range prefs {
		if t, err := language.Parse(strings.TrimSpace(p)); err == nil {
			tags = append(tags, t)
		}
	}
	if len(tags) == 0 {
		return Base
	}
	_, idx, conf := c.matcher.Match(tags...)
	if conf == language.No {
		return Base
	}
	return c.tags[idx]
}

// Translate returns the message for key in the best match for lang. Keys
// missing from the matched language fall back to the base language.
func (c *Catalog) Translate(lang, key string, args ...any) string {
	tag := c.Match(lang)
	if !c.keys[tag][key] {
		tag = Base
	}
	return message.NewPrinter(tag, message.Catalog(c.builder)).Sprintf(key, args...)
}

// Has reports whether key exists for tag.
func (c *Catalog) Has(tag language.Tag, key string) bool {
	return c.keys[tag][key]
}

// ResolveRequest picks the request language from the lang query parameter,
// the language cookie, then Accept-Language. The bool reports whether the
// query parameter chose it, in which case callers should persist it with
// SetLanguageCookie.
func (c *Catalog) ResolveRequest(r *http.Request) (language.Tag, bool) {
	if v := strings.TrimSpace(r.URL.Query().Get(LangParam)); v != "" {
		if _, err := language.Parse(v); err == nil {
			return c.Match(v), true
		}
	}
	if ck, err := r.Cookie(LangCookieName); err == nil && ck.Value != "" {
		return c.Match(ck.Value), false
	}
	if accept := r.Header.Get("Accept-Language"); accept != "" {
		if tags, _, err := language.ParseAcceptLanguage(accept); err == nil && len(tags) > 0 {
			_, idx, conf := c.matcher.Match(tags...)
			if conf != language.No {
				return c.tags[idx], false
			}
		}
	}
	return Base, false
}

// SetLanguageCookie persists tag on the response.
func SetLanguageCookie(w http.ResponseWriter, tag language.Tag) {
	http.SetCookie(w, &http.Cookie{
		Name:     LangCookieName,
		Value:    tag.String(),
		Path:     "/",
		MaxAge:   int((365 * 24 * time.Hour).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
