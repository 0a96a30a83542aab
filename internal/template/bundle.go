package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/language"

	"github.com/user/reportd/internal/types"
)

type bundleFile struct {
	tag  language.Tag
	root bool
	path string
}

// loadBundles lists the translation bundles of a report directory and checks
// that each file name carries a valid locale.
func loadBundles(dir string) ([]bundleFile, error) {
	entries, err := os.ReadDir(filepath.Join(dir, i18nDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read translations: %w", err)
	}
	var files []bundleFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "messages") || filepath.Ext(name) != ".json" {
			continue
		}
		path := filepath.Join(dir, i18nDir, name)
		suffix := strings.TrimSuffix(strings.TrimPrefix(name, "messages"), ".json")
		if suffix == "" {
			files = append(files, bundleFile{root: true, path: path})
			continue
		}
		tag, err := language.Parse(strings.ReplaceAll(strings.TrimPrefix(suffix, "_"), "_", "-"))
		if err != nil {
			return nil, fmt.Errorf("translation bundle %s: %w", name, err)
		}
		files = append(files, bundleFile{tag: tag, path: path})
	}
	return files, nil
}

// Bundle returns the translations of tmpl for locale: the root bundle
// overlaid with the best matching localized one. A report without
// translations yields an empty map.
func Bundle(tmpl *types.Template, locale string) (map[string]string, error) {
	out := map[string]string{}
	files, err := loadBundles(tmpl.Dir)
	if err != nil {
		return out, err
	}

	var localized []bundleFile
	for _, f := range files {
		if f.root {
			if err := readBundle(f.path, out); err != nil {
				return out, err
			}
			continue
		}
		localized = append(localized, f)
	}
	if locale == "" || len(localized) == 0 {
		return out, nil
	}

	want, err := language.Parse(strings.ReplaceAll(locale, "_", "-"))
	if err != nil {
		return out, nil
	}
	supported := make([]language.Tag, len(localized))
	for i, f := range localized {
		supported[i] = f.tag
	}
	_, idx, conf := language.NewMatcher(supported).Match(want)
	if conf == language.No {
		return out, nil
	}
	if err := readBundle(localized[idx].path, out); err != nil {
		return out, err
	}
	return out, nil
}

func readBundle(path string, into map[string]string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	for k, v := range m {
		into[k] = v
	}
	return nil
}
