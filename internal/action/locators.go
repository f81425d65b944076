package action

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/shopagent/internal/browser"
)

// DefaultSite is the marketplace whose locator table is complete.
const DefaultSite = "id"

// builtinLocators holds the seller center page locators per site. Keys are
// "<page>.<element>"; values are URLs or prefixed selectors
// ("css:", "xpath:", "id:", "name:").
var builtinLocators = map[string]map[string]string{
	"id": {
		"base_url":  "https://seller.shopee.co.id",
		"login_url": "https://seller.shopee.co.id/account/signin",

		"login_check.logged_in":  "css:.navbar-username",
		"login_check.login_form": "css:input[name='loginKey']",

		"ads_center.entry_url":         "https://seller.shopee.co.id/portal/marketing/pas/assembly",
		"ads_center.summary_section":   "css:.ads-summary, .marketing-summary",
		"ads_center.total_spend":       "css:[data-testid='total-spend'], .spend-value",
		"ads_center.total_impressions": "css:[data-testid='impressions'], .impressions-value",
		"ads_center.total_clicks":      "css:[data-testid='clicks'], .clicks-value",
		"ads_center.total_orders":      "css:[data-testid='orders'], .orders-value",
		"ads_center.roas":              "css:[data-testid='roas'], .roas-value",
		"ads_center.date_picker":       "css:.date-range-picker, [data-testid='date-picker']",
		"ads_center.date_today":        "xpath://button[contains(., 'Hari ini') or contains(., 'Today')]",
		"ads_center.date_7days":        "xpath://button[contains(., '7 hari') or contains(., '7 days')]",
		"ads_center.date_30days":       "xpath://button[contains(., '30 hari') or contains(., '30 days')]",

		"product_list.entry_url":     "https://seller.shopee.co.id/portal/product/list/all",
		"product_list.search_input":  "css:input[placeholder*='Cari'], input[placeholder*='Search']",
		"product_list.search_button": "css:button[type='submit'], .search-btn",
		"product_list.product_table": "css:.product-table, table",
		"product_list.product_row":   "css:.product-row, tr.product-item, tr[data-product-id]",
		"product_list.product_name":  "css:.product-name, .product-title",
		"product_list.product_sku":   "css:.product-sku, .sku",
		"product_list.product_price": "css:.product-price, .price",
		"product_list.product_stock": "css:.product-stock, .stock",
		"product_list.product_id":    "data-product-id",
		"product_list.edit_btn":      "xpath://button[contains(., 'Ubah') or contains(., 'Edit')]",

		"product_edit.title_input":   "css:input[name='name'], input[placeholder*='Nama produk'], textarea[name='name']",
		"product_edit.save_btn":      "xpath://button[contains(., 'Simpan') or contains(., 'Save') or @type='submit']",
		"product_edit.cancel_btn":    "xpath://button[contains(., 'Batal') or contains(., 'Cancel')]",
		"product_edit.success_toast": "css:.toast-success, .ant-message-success",
		"product_edit.error_toast":   "css:.toast-error, .ant-message-error",

		"order_list.entry_url": "https://seller.shopee.co.id/portal/sale/order",
		"order_list.order_row": "css:.order-row, tr.order-item",
	},
	"my": {"base_url": "https://seller.shopee.com.my"},
	"th": {"base_url": "https://seller.shopee.co.th"},
	"vn": {"base_url": "https://banhang.shopee.vn"},
	"ph": {"base_url": "https://seller.shopee.ph"},
	"sg": {"base_url": "https://seller.shopee.sg"},
}

// Locators is the locator table of one site.
type Locators struct {
	site   string
	values map[string]string
}

// NewLocators returns a table for site from raw "<page>.<element>" values.
func NewLocators(site string, values map[string]string) *Locators {
	return &Locators{site: site, values: values}
}

// Site returns the site code.
func (l *Locators) Site() string {
	if l == nil {
		return ""
	}
	return l.site
}

// Value returns the raw entry for key, or "" when unset.
func (l *Locators) Value(key string) string {
	if l == nil {
		return ""
	}
	return l.values[key]
}

// Selector parses the entry for key.
func (l *Locators) Selector(key string) (browser.Selector, bool) {
	v := l.Value(key)
	if v == "" {
		return browser.Selector{}, false
	}
	return browser.ParseSelector(v), true
}

// Catalog holds the locator tables of every known site.
type Catalog struct {
	sites map[string]map[string]string
}

// NewCatalog returns a catalog of the built-in tables.
func NewCatalog() *Catalog {
	c := &Catalog{sites: make(map[string]map[string]string, len(builtinLocators))}
	for site, values := range builtinLocators {
		c.sites[site] = copyValues(values)
	}
	return c
}

// LoadCatalog returns the built-in tables with overrides from a YAML file.
// The file nests sites, pages and elements:
//
//	id:
//	  product_list:
//	    search_input: "css:input.search"
//
// An empty path loads only the built-in tables.
func LoadCatalog(path string) (*Catalog, error) {
	c := NewCatalog()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read locators file: %w", err)
	}
	var doc map[string]map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse locators file: %w", err)
	}

	for site, tree := range doc {
		values, ok := c.sites[site]
		if !ok {
			values = make(map[string]string)
			c.sites[site] = values
		}
		if err := flatten("", tree, values); err != nil {
			return nil, fmt.Errorf("site %s: %w", site, err)
		}
	}
	return c, nil
}

func flatten(prefix string, tree map[string]any, into map[string]string) error {
	for k, v := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch v := v.(type) {
		case string:
			into[key] = v
		case map[string]any:
			if err := flatten(key, v, into); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%s: unsupported value %T", key, v)
		}
	}
	return nil
}

// For returns the table of site, falling back to DefaultSite for unknown codes.
func (c *Catalog) For(site string) *Locators {
	if site == "" {
		site = DefaultSite
	}
	values, ok := c.sites[site]
	if !ok {
		site = DefaultSite
		values = c.sites[DefaultSite]
	}
	return NewLocators(site, values)
}

// Sites returns the known site codes, sorted.
func (c *Catalog) Sites() []string {
	sites := make([]string, 0, len(c.sites))
	for s := range c.sites {
		sites = append(sites, s)
	}
	sort.Strings(sites)
	return sites
}

func copyValues(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
