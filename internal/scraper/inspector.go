package scraper

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/go-rod/rod"
)

const inspectTextTimeout = 2 * time.Second

// PageInspector 把 rod 页面与一个轻量 HTTP 客户端组合成
// botdetect 分类器需要的检查接口。
//
// 状态码复查走 resty 而不是浏览器：浏览器停在可疑页面上时，
// 再用它发请求既慢又可能已经不可用。
type PageInspector struct {
	page *rod.Page
	http *resty.Client
}

// NewPageInspector 创建检查器。client 为 nil 时新建一个默认 resty 客户端。
func NewPageInspector(page *rod.Page, client *resty.Client) *PageInspector {
	if client == nil {
		client = resty.New()
	}
	return &PageInspector{
		page: page,
		http: client,
	}
}

// CurrentURL 返回页面当前 URL。
func (i *PageInspector) CurrentURL() (string, error) {
	info, err := i.page.Info()
	if err != nil {
		return "", fmt.Errorf("page info: %w", err)
	}
	return info.URL, nil
}

// FullText 返回页面 body 的全文文本。
func (i *PageInspector) FullText() (string, error) {
	p := i.page.Timeout(inspectTextTimeout)
	body, err := p.Element("body")
	if err != nil {
		return "", fmt.Errorf("find body: %w", err)
	}
	text, err := body.Text()
	if err != nil {
		return "", fmt.Errorf("read body text: %w", err)
	}
	return text, nil
}

// ElementExists 检查选择器是否命中任何元素。
func (i *PageInspector) ElementExists(selector string) (bool, error) {
	p := i.page.Timeout(inspectTextTimeout)
	elems, err := p.Elements(selector)
	if err != nil {
		return false, fmt.Errorf("query %q: %w", selector, err)
	}
	return len(elems) > 0, nil
}

// FetchStatus 对 URL 发起一次 HEAD 请求并返回状态码。
// HEAD 被拒绝（405 等）时退回 GET。
func (i *PageInspector) FetchStatus(ctx context.Context, url string, timeout time.Duration) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := i.http.R().SetContext(reqCtx).Head(url)
	if err != nil {
		return 0, fmt.Errorf("head %s: %w", url, err)
	}
	if resp.StatusCode() == 405 {
		resp, err = i.http.R().SetContext(reqCtx).Get(url)
		if err != nil {
			return 0, fmt.Errorf("get %s: %w", url, err)
		}
	}
	return resp.StatusCode(), nil
}
