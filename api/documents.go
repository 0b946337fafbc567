package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
)

// DefaultExportFormat is used when no export or conversion format is given.
const DefaultExportFormat = "txt"

// Document is a stored or generated document.
type Document struct {
	ID        int64  `json:"id"`
	DocType   string `json:"doc_type"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// NewDocument is the body of POST documents/.
type NewDocument struct {
	DocType string `json:"doc_type"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// GenerateRequest is the body of POST documents/generate/.
type GenerateRequest struct {
	DocType string `json:"doc_type"`
	Title   string `json:"title"`
	Prompt  string `json:"prompt"`
}

func documentPath(id int64, suffix string) string {
	return "documents/" + strconv.FormatInt(id, 10) + "/" + suffix
}

// CreateDocument stores a document as given.
func (c *Client) CreateDocument(ctx context.Context, in NewDocument) (*Document, error) {
	var doc Document
	if err := c.postJSON(ctx, "documents/", in, documentTimeout, &doc); err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}
	return &doc, nil
}

// GenerateDocument asks the backend to write a document from a prompt.
func (c *Client) GenerateDocument(ctx context.Context, in GenerateRequest) (*Document, error) {
	var doc Document
	if err := c.postJSON(ctx, "documents/generate/", in, generationTimeout, &doc); err != nil {
		return nil, fmt.Errorf("failed to generate document: %w", err)
	}
	return &doc, nil
}

// ListDocuments returns the user's documents. The backend answers with either
// a bare array or a paginated {"results": [...]} object.
func (c *Client) ListDocuments(ctx context.Context) ([]Document, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, "documents/", documentTimeout, &raw); err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return parseDocumentList(raw)
}

func parseDocumentList(raw json.RawMessage) ([]Document, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return []Document{}, nil
	}

	var docs []Document
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &docs); err != nil {
			return nil, fmt.Errorf("failed to parse document list: %w", err)
		}
		return docs, nil
	}

	var page struct {
		Results []Document `json:"results"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("failed to parse document list: %w", err)
	}
	if page.Results == nil {
		return []Document{}, nil
	}
	return page.Results, nil
}

// GetDocument fetches one document.
func (c *Client) GetDocument(ctx context.Context, id int64) (*Document, error) {
	var doc Document
	if err := c.getJSON(ctx, documentPath(id, ""), documentTimeout, &doc); err != nil {
		return nil, fmt.Errorf("failed to get document %d: %w", id, err)
	}
	return &doc, nil
}

// RegenerateDocument rewrites a document, optionally following instructions.
func (c *Client) RegenerateDocument(ctx context.Context, id int64, instructions string) (*Document, error) {
	payload := map[string]any{}
	if instructions != "" {
		payload["instructions"] = instructions
	}

	var doc Document
	if err := c.postJSON(ctx, documentPath(id, "regenerate/"), payload, generationTimeout, &doc); err != nil {
		return nil, fmt.Errorf("failed to regenerate document %d: %w", id, err)
	}
	return &doc, nil
}

// FinalizeDocument has the model polish a document into its final form.
func (c *Client) FinalizeDocument(ctx context.Context, id int64, opts ChatOptions) (*Document, error) {
	var doc Document
	if err := c.postJSON(ctx, documentPath(id, "finalize/"), opts, generationTimeout, &doc); err != nil {
		return nil, fmt.Errorf("failed to finalize document %d: %w", id, err)
	}
	return &doc, nil
}

// Export is a downloaded document file.
type Export struct {
	Data        []byte
	ContentType string
	Filename    string
}

// ExportDocument downloads a document rendered in format ("txt" when empty).
func (c *Client) ExportDocument(ctx context.Context, id int64, format string) (*Export, error) {
	if format == "" {
		format = DefaultExportFormat
	}
	r := newRequest(http.MethodGet, documentPath(id, "export/"), documentTimeout)
	r.query = url.Values{"format": {format}}

	res, err := c.send(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("failed to export document %d: %w", id, err)
	}

	exp := &Export{
		Data:        res.body,
		ContentType: res.header.Get("Content-Type"),
		Filename:    fmt.Sprintf("document-%d.%s", id, format),
	}
	if name := dispositionFilename(res.header.Get("Content-Disposition")); name != "" {
		exp.Filename = name
	}
	return exp, nil
}

// dispositionFilename returns the base file name from a Content-Disposition
// header, or "".
func dispositionFilename(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	name := filepath.Base(params["filename"])
	if name == "." || name == "/" || name == string(filepath.Separator) {
		return ""
	}
	return name
}

// ConversionResult is the raw outcome of a conversion. Non-2xx statuses are
// results too: the backend explains unsupported conversions (501) in Body.
type ConversionResult struct {
	Status      int
	ContentType string
	Filename    string
	Body        []byte
}

// OK reports a 2xx status.
func (r *ConversionResult) OK() bool {
	return r.Status >= 200 && r.Status <= 299
}

// Message returns the backend's explanation from a JSON body, if any.
func (r *ConversionResult) Message() string {
	return errorDetail(r.Body)
}

// ConvertFile uploads a file for conversion to format ("txt" when empty).
// Only transport failures are returned as errors.
func (c *Client) ConvertFile(ctx context.Context, filename string, content io.Reader, format string) (*ConversionResult, error) {
	if format == "" {
		format = DefaultExportFormat
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filename, err)
	}
	if err := w.WriteField("format", format); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}

	r := &request{
		method:      http.MethodPost,
		path:        "documents/convert/",
		body:        buf.Bytes(),
		contentType: w.FormDataContentType(),
		timeout:     generationTimeout,
	}

	res, err := c.send(ctx, r)
	if res == nil {
		return nil, fmt.Errorf("conversion request failed: %w", err)
	}

	result := &ConversionResult{
		Status:      res.status,
		ContentType: res.header.Get("Content-Type"),
		Body:        res.body,
	}
	result.Filename = dispositionFilename(res.header.Get("Content-Disposition"))
	return result, nil
}

// ConvertCapabilities lists the formats the converter accepts.
func (c *Client) ConvertCapabilities(ctx context.Context) ([]string, error) {
	var caps struct {
		Formats []string `json:"formats"`
	}
	if err := c.getJSON(ctx, "documents/convert/capabilities/", documentTimeout, &caps); err != nil {
		return nil, fmt.Errorf("failed to get conversion formats: %w", err)
	}
	return caps.Formats, nil
}
