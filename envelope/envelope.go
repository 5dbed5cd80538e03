// Package envelope extracts collections and pagination metadata from the
// differently shaped list responses the loan backend returns.
//
// Supported list shapes, tried in this order:
//
//	[...]
//	{"data": [...]}
//	{"<resource>": [...]}
//	{"data": {"<resource>": [...]}}
//
// Totals and paging hints are optional and may sit at the top level, under
// "pagination" or "meta", or one level down under "data".
package envelope

import (
	"encoding/json"
	"errors"

	"github.com/tidwall/gjson"
)

// ErrInvalidJSON is returned when a body is not a JSON document.
var ErrInvalidJSON = errors.New("response body is not valid JSON")

// Page is a list response reduced to a single shape.
type Page struct {
	Items   []json.RawMessage `json:"items"`
	Total   *int64            `json:"total,omitempty"`
	HasMore *bool             `json:"hasMore,omitempty"`
}

var totalPaths = []string{
	"total",
	"totalItems",
	"pagination.total",
	"meta.total",
	"data.total",
	"data.totalItems",
	"data.pagination.total",
	"data.meta.total",
}

var pagingRoots = []string{"pagination", "meta", "data.pagination", "data.meta"}

// ExtractList returns the items of the first matching list shape. A body that
// matches none of them yields an empty, non-nil slice.
func ExtractList(body []byte, resource string) ([]json.RawMessage, error) {
	if !gjson.ValidBytes(body) {
		return nil, ErrInvalidJSON
	}

	root := gjson.ParseBytes(body)
	if root.IsArray() {
		return items(root), nil
	}

	candidates := []string{"data"}
	if resource != "" {
		key := gjson.Escape(resource)
		candidates = append(candidates, key, "data."+key)
	}

	for _, path := range candidates {
		if r := root.Get(path); r.IsArray() {
			return items(r), nil
		}
	}

	return []json.RawMessage{}, nil
}

// ExtractTotal returns the first numeric total found in body.
func ExtractTotal(body []byte) (int64, bool) {
	if !gjson.ValidBytes(body) {
		return 0, false
	}

	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return 0, false
	}
	for _, path := range totalPaths {
		if r := root.Get(path); r.Type == gjson.Number {
			return r.Int(), true
		}
	}
	return 0, false
}

// ExtractHasMore reports whether the backend signalled more pages, either with
// an explicit hasMore flag or through offset, limit and total.
func ExtractHasMore(body []byte) (bool, bool) {
	if !gjson.ValidBytes(body) {
		return false, false
	}

	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return false, false
	}

	if r := root.Get("hasMore"); r.IsBool() {
		return r.Bool(), true
	}

	for _, prefix := range pagingRoots {
		paging := root.Get(prefix)
		if !paging.IsObject() {
			continue
		}
		if r := paging.Get("hasMore"); r.IsBool() {
			return r.Bool(), true
		}

		offset, limit, total := paging.Get("offset"), paging.Get("limit"), paging.Get("total")
		if offset.Type == gjson.Number && limit.Type == gjson.Number && total.Type == gjson.Number {
			return offset.Int()+limit.Int() < total.Int(), true
		}
	}
	return false, false
}

// Normalize reduces a list response to a Page.
func Normalize(body []byte, resource string) (Page, error) {
	list, err := ExtractList(body, resource)
	if err != nil {
		return Page{}, err
	}

	page := Page{Items: list}
	if total, ok := ExtractTotal(body); ok {
		page.Total = &total
	}
	if more, ok := ExtractHasMore(body); ok {
		page.HasMore = &more
	}
	return page, nil
}

func items(r gjson.Result) []json.RawMessage {
	arr := r.Array()
	out := make([]json.RawMessage, 0, len(arr))
	for _, v := range arr {
		out = append(out, json.RawMessage(v.Raw))
	}
	return out
}
