package esri

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"
)

const (
	// MutatingPageSize is the batch size for anything that feeds edits.
	MutatingPageSize = 2000

	// ReadPageSize is the batch size for read-only walks of a layer.
	ReadPageSize = 10000
)

// Page is one slice of a counted layer walk.
type Page struct {
	Index    int
	Offset   int
	Total    int
	Features []Feature
}

// Paginator walks a feature layer with counted offset pagination.
type Paginator struct {
	Client   *Client
	Logger   *slog.Logger
	PageSize int
}

// FetchAll counts the rows matching where, then visits every page in offset
// order. An empty in-range page is logged and skipped; the offset still
// advances so a short page cannot stall the walk. Token rejections are
// refreshed inside the client, so a page is re-requested at the same offset
// at most once.
func (p *Paginator) FetchAll(ctx context.Context, queryURL, where, outFields string, returnGeometry bool, visit func(Page) error) error {
	total, err := p.Client.Count(ctx, queryURL, where)
	if err != nil {
		return err
	}

	pageSize := p.PageSize
	if pageSize <= 0 {
		pageSize = ReadPageSize
	}
	p.Logger.Info("Walking feature layer", "total", total, "page_size", pageSize)

	index := 0
	for offset := 0; offset < total; offset += pageSize {
		params := url.Values{}
		params.Set("where", where)
		params.Set("outFields", outFields)
		params.Set("returnGeometry", strconv.FormatBool(returnGeometry))
		params.Set("resultOffset", strconv.Itoa(offset))
		params.Set("resultRecordCount", strconv.Itoa(pageSize))

		res, err := p.Client.Query(ctx, queryURL, params)
		if err != nil {
			return err
		}
		if len(res.Features) == 0 {
			p.Logger.Warn("Feature page came back empty, continuing", "offset", offset, "total", total)
			index++
			continue
		}
		if err := visit(Page{Index: index, Offset: offset, Total: total, Features: res.Features}); err != nil {
			return err
		}
		index++
	}
	return nil
}
