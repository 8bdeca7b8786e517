package redmine

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
)

// ListOptions narrows a listing.
type ListOptions struct {
	// Project scopes the listing to one project, by id or identifier.
	Project string
	// Filters are passed through as query parameters (status_id, assigned_to_id, ...).
	Filters url.Values
	// Include asks for associated data (journals, attachments, ...).
	Include []string
	// Offset of the first object. ListAll starts here.
	Offset int
	// Limit per request. Zero uses the client's page size.
	Limit int
}

func (o ListOptions) query(limit int) url.Values {
	q := url.Values{}
	for key, values := range o.Filters {
		q[key] = append([]string(nil), values...)
	}
	if len(o.Include) > 0 {
		q.Set("include", strings.Join(o.Include, ","))
	}
	q.Set("offset", strconv.Itoa(o.Offset))
	q.Set("limit", strconv.Itoa(limit))
	return q
}

func (o ListOptions) limit(c *Client) int {
	if o.Limit > 0 && o.Limit <= MaxPageSize {
		return o.Limit
	}
	return c.pageSize
}

// Get fetches one object by id.
func Get[T Entity](ctx context.Context, c *Client, id int, include ...string) (*T, error) {
	var zero T
	var query url.Values
	if len(include) > 0 {
		query = url.Values{"include": {strings.Join(include, ",")}}
	}
	return getAt[T](ctx, c, zero.resource().member(id), query)
}

func getAt[T Entity](ctx context.Context, c *Client, path string, query url.Values) (*T, error) {
	body, err := c.do(ctx, http.MethodGet, path, query, "", nil)
	if err != nil {
		return nil, err
	}
	return decodeOne[T](c.format, body)
}

// List fetches one page.
func List[T Entity](ctx context.Context, c *Client, opts ListOptions) (*Page[T], error) {
	var zero T
	r := zero.resource()

	path, err := r.collection(opts.Project)
	if err != nil {
		return nil, err
	}

	limit := opts.limit(c)
	body, err := c.do(ctx, http.MethodGet, path, opts.query(limit), "", nil)
	if err != nil {
		return nil, err
	}

	page, err := decodeList[T](c.format, body)
	if err != nil {
		return nil, err
	}
	// Older servers omit paging fields on small collections
	if page.Limit == 0 {
		page.Limit = limit
	}
	if page.Offset == 0 {
		page.Offset = opts.Offset
	}
	return page, nil
}

// ListAll fetches every object from opts.Offset on. The first page gives
// the total; the remaining pages are fetched concurrently and returned in
// server order.
func ListAll[T Entity](ctx context.Context, c *Client, opts ListOptions) ([]T, error) {
	first, err := List[T](ctx, c, opts)
	if err != nil {
		return nil, err
	}

	limit := first.Limit
	start := opts.Offset + len(first.Items)
	if len(first.Items) == 0 || start >= first.TotalCount {
		return first.Items, nil
	}

	var offsets []int
	for offset := start; offset < first.TotalCount; offset += limit {
		offsets = append(offsets, offset)
	}

	c.logger.Debug().
		Int("total", first.TotalCount).
		Int("pages", len(offsets)+1).
		Msg("Fetching remaining pages")

	pages := make([][]T, len(offsets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for i, offset := range offsets {
		g.Go(func() error {
			pageOpts := opts
			pageOpts.Offset = offset
			pageOpts.Limit = limit

			page, err := List[T](gctx, c, pageOpts)
			if err != nil {
				return err
			}
			pages[i] = page.Items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	items := first.Items
	for _, page := range pages {
		items = append(items, page...)
	}
	return items, nil
}

// Create stores a new object and returns it as the server saved it.
func Create[T Entity](ctx context.Context, c *Client, item T) (*T, error) {
	r := item.resource()

	path, err := r.collection(item.parentProject())
	if err != nil {
		return nil, err
	}

	body, err := c.do(ctx, http.MethodPost, path, nil, r.single, item.payload())
	if err != nil {
		return nil, err
	}
	return decodeOne[T](c.format, body)
}

// Update replaces the writable fields of object id with item's.
func Update[T Entity](ctx context.Context, c *Client, id int, item T) error {
	r := item.resource()
	_, err := c.do(ctx, http.MethodPut, r.member(id), nil, r.single, item.payload())
	return err
}

// Delete removes object id.
func Delete[T Entity](ctx context.Context, c *Client, id int) error {
	var zero T
	_, err := c.do(ctx, http.MethodDelete, zero.resource().member(id), nil, "", nil)
	return err
}
