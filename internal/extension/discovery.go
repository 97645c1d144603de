package extension

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Category is the trust tier an extension is installed under. Each category
// is a subdirectory of the extensions root.
type Category string

// Categories, ordered by trust.
const (
	CategoryOfficial    Category = "official"
	CategoryCommunity   Category = "community"
	CategoryLocal       Category = "local"
	CategoryDevelopment Category = "development"
)

// Categories lists every category in scan order.
func Categories() []Category {
	return []Category{CategoryOfficial, CategoryCommunity, CategoryLocal, CategoryDevelopment}
}

// ParseCategory validates a category name.
func ParseCategory(name string) (Category, bool) {
	switch Category(name) {
	case CategoryOfficial, CategoryCommunity, CategoryLocal, CategoryDevelopment:
		return Category(name), true
	}
	return "", false
}

// LibDirName is the shared-library directory under the extensions root.
const LibDirName = "lib"

// Discovered is one extension found during a scan. Manifest is nil when the
// directory exists but its manifest failed to load; Err carries the cause so
// one broken extension never hides the rest.
type Discovered struct {
	Manifest *Manifest
	Dir      string
	Category Category
	Err      error
}

// Discover scans the category directories under root for extensions. Every
// subdirectory carrying an extension.json is a candidate; in development/,
// bare .lua files are too. Missing category directories are skipped, not
// errors. Results are sorted by directory path.
func Discover(root string) ([]Discovered, error) {
	var found []Discovered

	for _, cat := range Categories() {
		catDir := filepath.Join(root, string(cat))
		entries, err := os.ReadDir(catDir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}

		for _, entry := range entries {
			path := filepath.Join(catDir, entry.Name())

			if entry.IsDir() {
				if _, err := os.Stat(filepath.Join(path, ManifestFileName)); err != nil {
					continue // Not an extension directory
				}
				m, err := LoadManifest(path)
				found = append(found, Discovered{
					Manifest: m, Dir: path, Category: cat, Err: err,
				})
				continue
			}

			if cat == CategoryDevelopment && strings.HasSuffix(entry.Name(), ".lua") {
				m, err := LoadDevManifest(path)
				found = append(found, Discovered{
					Manifest: m, Dir: filepath.Dir(path), Category: cat, Err: err,
				})
			}
		}
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].Dir != found[j].Dir {
			return found[i].Dir < found[j].Dir
		}
		// Development files share the category directory.
		return discoveredName(found[i]) < discoveredName(found[j])
	})
	return found, nil
}

func discoveredName(d Discovered) string {
	if d.Manifest != nil {
		return d.Manifest.Name
	}
	return ""
}
