package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fhirlite/fhirlite/internal/store"
)

const fhirJSON = "application/fhir+json; charset=utf-8"

// maxBodyBytes caps inbound resource bodies at 8 MiB.
const maxBodyBytes = 8 << 20

// tenantHandler binds one tenant store to the HTTP surface.
type tenantHandler struct {
	store *store.Store
}

// Handle converts the echo request into a transport-independent store
// request, dispatches it, and writes the response in FHIR JSON.
func (h *tenantHandler) Handle(c echo.Context) error {
	if err := checkFormat(c); err != nil {
		return writeOutcome(c, http.StatusNotAcceptable, store.Outcome("error", "not-supported", "only JSON is supported"))
	}

	body, err := readBody(c)
	if err != nil {
		return writeOutcome(c, http.StatusBadRequest, store.Outcome("error", "structure", "request body is not a JSON object"))
	}

	req := &store.Request{
		Verb:            c.Request().Method,
		Path:            strings.Trim(c.Param("*"), "/"),
		Query:           fhirQuery(c),
		Body:            body,
		IfMatch:         c.Request().Header.Get("If-Match"),
		IfNoneMatch:     c.Request().Header.Get("If-None-Match"),
		IfModifiedSince: c.Request().Header.Get("If-Modified-Since"),
		IfNoneExist:     c.Request().Header.Get("If-None-Exist"),
	}

	resp := h.store.Dispatch(c.Request().Context(), req)
	return writeResponse(c, resp)
}

// checkFormat rejects requests that negotiate a non-JSON representation.
func checkFormat(c echo.Context) error {
	format := c.QueryParam("_format")
	if format == "" {
		accept := c.Request().Header.Get("Accept")
		if accept == "" || accept == "*/*" || strings.Contains(accept, "json") {
			return nil
		}
		return echo.ErrNotAcceptable
	}
	switch format {
	case "json", "application/json", "application/fhir+json":
		return nil
	}
	return echo.ErrNotAcceptable
}

// fhirQuery strips the transport-only parameters before the query string
// reaches the search parser.
func fhirQuery(c echo.Context) string {
	raw := c.QueryString()
	if raw == "" {
		return ""
	}
	kept := make([]string, 0, 4)
	for _, pair := range strings.Split(raw, "&") {
		key, _, _ := strings.Cut(pair, "=")
		if key == "_format" || key == "_pretty" {
			continue
		}
		kept = append(kept, pair)
	}
	return strings.Join(kept, "&")
}

func readBody(c echo.Context) (map[string]interface{}, error) {
	req := c.Request()
	if req.Method != http.MethodPost && req.Method != http.MethodPut && req.Method != http.MethodPatch {
		return nil, nil
	}
	raw, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	return body, nil
}

func writeResponse(c echo.Context, resp *store.Response) error {
	header := c.Response().Header()
	if resp.ETag != "" {
		header.Set("ETag", resp.ETag)
	}
	if resp.Location != "" {
		header.Set("Location", resp.Location)
	}
	if !resp.LastModified.IsZero() {
		header.Set("Last-Modified", resp.LastModified.UTC().Format(http.TimeFormat))
	}

	payload := resp.Resource
	if payload == nil {
		payload = resp.Outcome
	}
	if payload == nil {
		return c.NoContent(resp.Status)
	}
	return writeJSON(c, resp.Status, payload)
}

func writeOutcome(c echo.Context, status int, outcome map[string]interface{}) error {
	return writeJSON(c, status, outcome)
}

func writeJSON(c echo.Context, status int, payload map[string]interface{}) error {
	var (
		raw []byte
		err error
	)
	if c.QueryParam("_pretty") == "true" {
		raw, err = json.MarshalIndent(payload, "", "  ")
	} else {
		raw, err = json.Marshal(payload)
	}
	if err != nil {
		return err
	}
	return c.Blob(status, fhirJSON, raw)
}
