package pagination

// Page selects a window of rows by offset.
type Page struct {
	Offset int `form:"offset"`
	Limit  int `form:"limit"`
}

type PageInfo struct {
	Offset  int  `json:"offset"`
	Limit   int  `json:"limit"`
	HasMore bool `json:"has_more"`
}

// Normalize clamps the page to [1, max] rows, using def when no limit was
// requested. A max of zero means unbounded.
func (p Page) Normalize(def, max int) Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = def
	}
	if max > 0 && p.Limit > max {
		p.Limit = max
	}
	return p
}

// Trim cuts data fetched with limit+1 rows back to the page size and reports
// whether more rows exist.
func Trim[T any](data []T, page Page) ([]T, PageInfo) {
	info := PageInfo{Offset: page.Offset, Limit: page.Limit}
	if page.Limit > 0 && len(data) > page.Limit {
		info.HasMore = true
		data = data[:page.Limit]
	}
	return data, info
}
