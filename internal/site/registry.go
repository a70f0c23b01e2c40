package site

import (
	"fmt"
	"sort"
	"strings"
)

// Registry 是站点 profile 的只读注册表（按 name 索引）。
type Registry struct {
	byName map[string]Profile
}

func NewRegistry(profiles ...Profile) (Registry, error) {
	byName := make(map[string]Profile, len(profiles))
	for _, p := range profiles {
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if name == "" {
			return Registry{}, fmt.Errorf("profile.Name 不能为空")
		}
		if _, ok := byName[name]; ok {
			return Registry{}, fmt.Errorf("重复的 profile：%q", name)
		}
		if err := p.validate(); err != nil {
			return Registry{}, fmt.Errorf("profile %q：%w", name, err)
		}
		byName[name] = p
	}
	return Registry{byName: byName}, nil
}

// DefaultProfile 是未配置 profile 时使用的名称。
const DefaultProfile = "imdb"

// Builtin 返回内置的全部 profile。
func Builtin() Registry {
	r, err := NewRegistry(IMDb(), IMDbLegacy())
	if err != nil {
		panic(err)
	}
	return r
}

func (r Registry) Get(name string) (Profile, bool) {
	if r.byName == nil {
		return Profile{}, false
	}
	p, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// Names 返回排序后的 profile 名称。
func (r Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (p Profile) validate() error {
	required := map[string]string{
		"catalog_item":  p.CatalogItem,
		"catalog_link":  p.CatalogLink,
		"title":         p.Title,
		"metadata":      p.Metadata,
		"metadata_item": p.MetadataItem,
		"rating":        p.Rating,
		"synopsis":      p.Synopsis,
	}
	for k, v := range required {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("选择器 %s 不能为空", k)
		}
	}
	return nil
}
