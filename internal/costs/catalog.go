package costs

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// VendorPattern maps a keyword found in a product name or description to a
// category and canonical vendor name.
type VendorPattern struct {
	Keyword  string `yaml:"keyword"`
	Category string `yaml:"category"`
	Vendor   string `yaml:"vendor"`
}

// VendorCatalog is an ordered keyword table. The first matching keyword wins.
type VendorCatalog []VendorPattern

// Match searches the lower-cased concatenation of texts for a keyword.
func (c VendorCatalog) Match(texts ...string) (VendorPattern, bool) {
	haystack := searchText(texts...)
	if haystack == "" {
		return VendorPattern{}, false
	}
	for _, p := range c {
		kw := strings.ToLower(strings.TrimSpace(p.Keyword))
		if kw != "" && strings.Contains(haystack, kw) {
			return p, true
		}
	}
	return VendorPattern{}, false
}

// CategoryKeywords lists keywords that place an expense into Category.
type CategoryKeywords struct {
	Category string   `yaml:"category"`
	Keywords []string `yaml:"keywords"`
}

// CategoryCatalog is an ordered category table. The first category with a
// matching keyword wins.
type CategoryCatalog []CategoryKeywords

// Detect returns the lower-cased category of the first keyword hit, or
// DefaultCategory.
func (c CategoryCatalog) Detect(texts ...string) string {
	haystack := searchText(texts...)
	if haystack == "" {
		return DefaultCategory
	}
	for _, entry := range c {
		for _, kw := range entry.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(haystack, kw) {
				return strings.ToLower(strings.TrimSpace(entry.Category))
			}
		}
	}
	return DefaultCategory
}

// SaaSFilter decides whether an accounting entry looks like software spend.
type SaaSFilter struct {
	Categories []string `yaml:"categories"`
	Keywords   []string `yaml:"keywords"`
}

// Keep reports whether c is in an allowed category or its vendor or tool
// name contains one of the keywords.
func (f SaaSFilter) Keep(c ToolCost) bool {
	category := strings.ToLower(strings.TrimSpace(c.Category))
	for _, allowed := range f.Categories {
		if strings.EqualFold(strings.TrimSpace(allowed), category) {
			return true
		}
	}
	vendor := strings.ToLower(c.Vendor)
	tool := strings.ToLower(c.ToolName)
	for _, kw := range f.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.Contains(vendor, kw) || strings.Contains(tool, kw) {
			return true
		}
	}
	return false
}

// CatalogFile is the on-disk override format for categorization tables.
// Sections left empty keep the connector defaults.
type CatalogFile struct {
	Vendors           VendorCatalog   `yaml:"vendors"`
	ExpenseCategories CategoryCatalog `yaml:"expense_categories"`
	SaaS              *SaaSFilter     `yaml:"saas"`
}

// LoadCatalogFile reads a YAML catalog override. An empty path yields an
// empty CatalogFile.
func LoadCatalogFile(path string) (CatalogFile, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return CatalogFile{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return CatalogFile{}, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return ParseCatalog(raw)
}

// ParseCatalog decodes and validates a YAML catalog document.
func ParseCatalog(raw []byte) (CatalogFile, error) {
	var out CatalogFile
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return CatalogFile{}, fmt.Errorf("decode catalog: %w", err)
	}
	for i, p := range out.Vendors {
		if strings.TrimSpace(p.Keyword) == "" {
			return CatalogFile{}, fmt.Errorf("catalog vendors[%d]: keyword is required", i)
		}
		if strings.TrimSpace(p.Category) == "" {
			return CatalogFile{}, fmt.Errorf("catalog vendors[%d]: category is required", i)
		}
	}
	for i, c := range out.ExpenseCategories {
		if strings.TrimSpace(c.Category) == "" {
			return CatalogFile{}, fmt.Errorf("catalog expense_categories[%d]: category is required", i)
		}
		if len(c.Keywords) == 0 {
			return CatalogFile{}, errors.New("catalog expense_categories[" + c.Category + "]: keywords are required")
		}
	}
	return out, nil
}

func searchText(texts ...string) string {
	parts := make([]string, 0, len(texts))
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t != "" {
			parts = append(parts, t)
		}
	}
	return strings.ToLower(strings.Join(parts, " "))
}
