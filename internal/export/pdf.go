package export

import (
	"context"
	"fmt"
	"html"
	"os/exec"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

var chromeBinaries = []string{"chromium", "chromium-browser", "google-chrome", "headless-shell"}

// findChrome returns the first browser binary lookPath resolves.
func findChrome(lookPath func(string) (string, error)) (string, error) {
	for _, name := range chromeBinaries {
		if path, err := lookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: no chromium binary on PATH", ErrPDFDependencyMissing)
}

// paper sizes are in inches.
type paper struct {
	width, height, margin float64
}

var a4 = paper{width: 8.27, height: 11.69, margin: 0.8}

func footerTemplate(title string) string {
	return `<div style="font-size:8px;width:100%;padding:0 0.8in;display:flex;justify-content:space-between;color:#555">` +
		`<span>` + html.EscapeString(title) + `</span>` +
		`<span><span class="pageNumber"></span> / <span class="totalPages"></span></span></div>`
}

func printParams(p paper, title string) *page.PrintToPDFParams {
	return page.PrintToPDF().
		WithPrintBackground(true).
		WithPaperWidth(p.width).
		WithPaperHeight(p.height).
		WithMarginTop(p.margin).
		WithMarginBottom(p.margin).
		WithMarginLeft(p.margin).
		WithMarginRight(p.margin).
		WithDisplayHeaderFooter(true).
		WithHeaderTemplate("<span></span>").
		WithFooterTemplate(footerTemplate(title))
}

// exportPDF prints doc with headless Chrome. The document is written into a
// blank page over the DevTools protocol, so its size is not limited by URL
// length.
func exportPDF(ctx context.Context, doc, title string) (*Result, error) {
	chrome, err := findChrome(exec.LookPath)
	if err != nil {
		return nil, err
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(chrome),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	var data []byte
	err = chromedp.Run(browserCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, doc).Do(ctx)
		}),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			data, _, err = printParams(a4, title).Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("print %q to pdf: %w", title, err)
	}

	return &Result{
		Data:     data,
		Filename: sanitizeFilename(title) + ".pdf",
		MimeType: "application/pdf",
	}, nil
}
