package scraper

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-rod/rod"

	"leadhunter/internal/model"
)

var phoneRe = regexp.MustCompile(`[0-9][0-9 ()-]{6,}[0-9]`)

// 地图搜索结果页的选择器
const (
	listingSelector  = `div[data-listing-id], .search-result-card`
	nameSelector     = `.result-name, h3`
	phoneSelector    = `.result-phone, [data-field="phone"]`
	addressSelector  = `.result-address, [data-field="address"]`
	categorySelector = `.result-category, [data-field="category"]`
	websiteSelector  = `a.result-website, a[data-field="website"]`
)

// 供应商查询结果页的选择器
const (
	lookupResultSelector   = `.lookup-result, #lookup-result`
	lookupProviderSelector = `.provider-name, [data-field="provider"]`
	lookupPortedSelector   = `.ported-status, [data-field="ported"]`
)

const elementTimeout = 5 * time.Second

// BuildMapSearchURL 构造地图搜索页 URL。
func BuildMapSearchURL(base, query, region string) string {
	values := url.Values{}
	if query != "" {
		values.Set("q", query)
	}
	if region != "" {
		values.Set("near", region)
	}

	qs := values.Encode()
	qs = strings.ReplaceAll(qs, "+", "%20")
	return base + "?" + qs
}

// BuildLookupURL 构造供应商号码查询页 URL。号码先归一化再拼接。
func BuildLookupURL(base, phone string) string {
	values := url.Values{}
	values.Set("number", NormalizePhone(phone))
	return base + "?" + values.Encode()
}

// NormalizePhone 去掉号码中的空格、连字符和括号。
func NormalizePhone(phone string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')':
			return -1
		}
		return r
	}, phone)
}

// extractListings 从已加载的搜索结果页提取商家条目。
//
// 没有电话号码的条目直接跳过：号码是后续查询的主键，缺了没有意义。
// 单个条目的提取失败不影响其余条目。
func extractListings(page *rod.Page, sourceURL string, max int) ([]model.Business, error) {
	p := page.Timeout(elementTimeout)
	cards, err := p.Elements(listingSelector)
	if err != nil {
		return nil, fmt.Errorf("find listing cards: %w", err)
	}

	var listings []model.Business
	for _, card := range cards {
		if max > 0 && len(listings) >= max {
			break
		}

		name := elementText(card, nameSelector)
		if name == "" {
			continue
		}
		phoneRaw := elementText(card, phoneSelector)
		phone := phoneRe.FindString(phoneRaw)
		if phone == "" {
			continue
		}

		listings = append(listings, model.Business{
			Name:      name,
			Phone:     NormalizePhone(phone),
			Address:   elementText(card, addressSelector),
			Category:  elementText(card, categorySelector),
			Website:   elementHref(card, websiteSelector),
			SourceURL: sourceURL,
		})
	}
	return listings, nil
}

// lookupOutcome 一次号码查询页的解析结果。
type lookupOutcome struct {
	Provider string
	Ported   bool
}

// extractLookupResult 从已加载的查询结果页解析运营商信息。
func extractLookupResult(page *rod.Page) (*lookupOutcome, error) {
	p := page.Timeout(elementTimeout)
	container, err := p.Element(lookupResultSelector)
	if err != nil {
		return nil, fmt.Errorf("lookup result not found: %w", err)
	}

	provider := elementText(container, lookupProviderSelector)
	if provider == "" {
		return nil, fmt.Errorf("lookup result missing provider")
	}

	portedText := strings.ToLower(elementText(container, lookupPortedSelector))
	ported := strings.Contains(portedText, "ported") || strings.Contains(portedText, "yes")

	return &lookupOutcome{
		Provider: provider,
		Ported:   ported,
	}, nil
}

// elementText 读取子元素文本，任何失败都返回空串。
func elementText(parent *rod.Element, selector string) string {
	el, err := parent.Element(selector)
	if err != nil {
		return ""
	}
	text, err := el.Text()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}

// elementHref 读取子元素的 href 属性，任何失败都返回空串。
func elementHref(parent *rod.Element, selector string) string {
	el, err := parent.Element(selector)
	if err != nil {
		return ""
	}
	href, err := el.Attribute("href")
	if err != nil || href == nil {
		return ""
	}
	return strings.TrimSpace(*href)
}
