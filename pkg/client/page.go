package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/Sternrassler/intercom-etl/pkg/pagination"
)

// Envelope paths of an Intercom list response.
const (
	pathNextLink    = "pages.next"
	pathScrollParam = pagination.ScrollParam
	pathType        = "type"
	pathErrors      = "errors"
	typeErrorList   = "error.list"
)

// FetchPage requests one page and splits the envelope into records and
// continuation tokens. An error list in the body is reported as an *APIError
// even when the status is 2xx.
func (c *Client) FetchPage(ctx context.Context, desc pagination.Descriptor) (*pagination.Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := errorFromBody(body)
		if apiErr == nil {
			apiErr = &APIError{Message: resp.Status}
		}
		apiErr.StatusCode = resp.StatusCode
		apiErr.ErrorClass = c.classifyError(resp, nil)
		return nil, apiErr
	}

	if !gjson.ValidBytes(body) {
		return nil, ErrInvalidResponse
	}

	if apiErr := errorFromBody(body); apiErr != nil {
		apiErr.StatusCode = resp.StatusCode
		apiErr.ErrorClass = ErrorClassAPI
		intercomErrorsTotal.WithLabelValues(string(ErrorClassAPI)).Inc()
		return nil, apiErr
	}

	return parsePage(body, desc), nil
}

func parsePage(body []byte, desc pagination.Descriptor) *pagination.Page {
	page := &pagination.Page{}

	field := gjson.GetBytes(body, string(desc.Kind))
	if field.IsArray() {
		page.HasRecords = true
		for _, item := range field.Array() {
			page.Records = append(page.Records, json.RawMessage(item.Raw))
		}
	}

	if next := gjson.GetBytes(body, pathNextLink); next.Type == gjson.String {
		page.Next = next.String()
	}
	if token := gjson.GetBytes(body, pathScrollParam); token.Type == gjson.String {
		page.ScrollParam = token.String()
	}

	return page
}

// errorFromBody returns the first entry of an Intercom error list, or nil when
// the body is not one.
func errorFromBody(body []byte) *APIError {
	if !gjson.ValidBytes(body) {
		return nil
	}
	isList := gjson.GetBytes(body, pathType).String() == typeErrorList
	errs := gjson.GetBytes(body, pathErrors)
	if !isList && !errs.IsArray() {
		return nil
	}

	apiErr := &APIError{Message: "error list"}
	if first := errs.Get("0"); first.Exists() {
		apiErr.Code = first.Get("code").String()
		if msg := first.Get("message").String(); msg != "" {
			apiErr.Message = msg
		}
	}
	return apiErr
}
