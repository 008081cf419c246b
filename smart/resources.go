package smart

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	fhirJSON       = "application/fhir+json"
	maxSearchPages = 5
	maxBodyBytes   = 8 << 20
)

// Read fetches <type>/<id>.
func (c *Client) Read(ctx context.Context, resourceType, id string) ([]byte, error) {
	return c.fhirRequest(ctx, http.MethodGet, c.resourceURL(resourceType, id), nil)
}

// Search returns the resources of resourceType matched by params, following bundle
// next links. Entries of other types, such as OperationOutcome, are dropped.
func (c *Client) Search(ctx context.Context, resourceType string, params url.Values) ([][]byte, error) {
	endpoint := c.resourceURL(resourceType, "")
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var resources [][]byte
	for page := 0; endpoint != "" && page < maxSearchPages; page++ {
		body, err := c.fhirRequest(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		bundle := gjson.ParseBytes(body)
		bundle.Get("entry.#.resource").ForEach(func(_, resource gjson.Result) bool {
			if resource.Get("resourceType").String() == resourceType {
				resources = append(resources, []byte(resource.Raw))
			}
			return true
		})
		endpoint = bundle.Get(`link.#(relation=="next").url`).String()
	}
	return resources, nil
}

// Create posts a new resource. When the server answers with only a Location header the
// returned document carries the assigned id.
func (c *Client) Create(ctx context.Context, resourceType string, body []byte) ([]byte, error) {
	return c.write(ctx, http.MethodPost, c.resourceURL(resourceType, ""), resourceType, body)
}

// Update replaces <type>/<id>.
func (c *Client) Update(ctx context.Context, resourceType, id string, body []byte) ([]byte, error) {
	return c.write(ctx, http.MethodPut, c.resourceURL(resourceType, id), resourceType, body)
}

func (c *Client) write(ctx context.Context, method, endpoint, resourceType string, body []byte) ([]byte, error) {
	httpClient, err := c.authorizedHTTPClient(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", fhirJSON)
	req.Header.Set("Content-Type", fhirJSON)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("[smart %s] %w", method, err)
	}
	defer resp.Body.Close()

	payload, err := readResponse(req, resp)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(payload)) > 0 {
		return payload, nil
	}
	return fromLocation(resourceType, resp.Header.Get("Location"))
}

func (c *Client) fhirRequest(ctx context.Context, method, endpoint string, body io.Reader) ([]byte, error) {
	httpClient, err := c.authorizedHTTPClient(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", fhirJSON)
	return c.do(httpClient, req)
}

func (c *Client) do(httpClient *http.Client, req *http.Request) ([]byte, error) {
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("[smart %s] %w", req.Method, err)
	}
	defer resp.Body.Close()
	return readResponse(req, resp)
}

func readResponse(req *http.Request, resp *http.Response) ([]byte, error) {
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("[smart %s] read body: %w", req.Method, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ResponseError{
			Method:     req.Method,
			URL:        req.URL.Redacted(),
			StatusCode: resp.StatusCode,
			Body:       payload,
		}
	}
	return payload, nil
}

func (c *Client) resourceURL(resourceType, id string) string {
	c.mu.Lock()
	base := c.state.APIBase
	c.mu.Unlock()

	endpoint := base + "/" + resourceType
	if id != "" {
		endpoint += "/" + url.PathEscape(id)
	}
	return endpoint
}

// fromLocation builds a stub resource from ".../<type>/<id>/_history/<vid>".
func fromLocation(resourceType, location string) ([]byte, error) {
	doc, _ := sjson.SetBytes([]byte(`{}`), "resourceType", resourceType)
	if location == "" {
		return doc, nil
	}
	segments := strings.Split(strings.TrimSuffix(location, "/"), "/")
	for i := len(segments) - 2; i >= 0; i-- {
		if segments[i] == resourceType {
			return sjson.SetBytes(doc, "id", segments[i+1])
		}
	}
	return doc, nil
}
