// Package ago implements the remote feature store against an
// ArcGIS-Online-style sharing API. The wire format is not contractual;
// the client speaks form-encoded requests and JSON responses and
// retries transient transport failures with backoff.
package ago

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/paulmach/orb/geojson"

	"github.com/geobcdata/agosync/publish"
)

// Config holds the portal connection settings. Token acquisition is out
// of scope; the token is provided by the environment.
type Config struct {
	// Host is the portal base URL (e.g. https://example.maps.arcgis.com).
	Host string

	// Username is the owning principal for content operations.
	Username string

	// Token is a pre-acquired API token appended to every request.
	Token string

	// Timeout bounds each HTTP attempt. Zero means 60s.
	Timeout time.Duration

	// RetryMax is the number of transport-level retries. Zero means 4.
	RetryMax int
}

// Client talks to the portal's sharing API. It implements
// publish.FeatureStore.
type Client struct {
	cfg    Config
	http   *retryablehttp.Client
	logger *slog.Logger
}

// NewClient creates a portal client.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ago: host is required")
	}
	if cfg.Username == "" {
		return nil, fmt.Errorf("ago: username is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = cfg.RetryMax
	if rc.RetryMax == 0 {
		rc.RetryMax = 4
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	rc.HTTPClient.Timeout = timeout

	return &Client{cfg: cfg, http: rc, logger: logger}, nil
}

var _ publish.FeatureStore = (*Client)(nil)

// apiError is the portal's in-band error envelope. The API reports most
// failures with HTTP 200 and this body.
type apiError struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) restURL(parts ...string) string {
	return strings.TrimSuffix(c.cfg.Host, "/") + "/sharing/rest/" + strings.Join(parts, "/")
}

// do executes one request and decodes the JSON response into out,
// surfacing both HTTP and in-band API errors.
func (c *Client) do(ctx context.Context, method, rawURL string, body io.Reader, contentType string, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: status %d", method, rawURL, resp.StatusCode)
	}

	var envelope apiError
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error != nil {
		return fmt.Errorf("portal error %d: %s", envelope.Error.Code, envelope.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) form(values url.Values) url.Values {
	values.Set("f", "json")
	if c.cfg.Token != "" {
		values.Set("token", c.cfg.Token)
	}
	return values
}

// FindItems searches the portal's content index for artifacts by title,
// owner, and type. The index search is fuzzy; callers must filter for
// exact titles themselves.
func (c *Client) FindItems(ctx context.Context, title, owner, itemType string) ([]publish.Item, error) {
	q := fmt.Sprintf(`title:"%s" AND owner:%s AND type:"%s"`, title, owner, itemType)
	values := c.form(url.Values{"q": []string{q}, "num": []string{"100"}})

	var result struct {
		Results []struct {
			ID    string `json:"id"`
			Title string `json:"title"`
			Owner string `json:"owner"`
			Type  string `json:"type"`
		} `json:"results"`
	}
	searchURL := c.restURL("search") + "?" + values.Encode()
	if err := c.do(ctx, http.MethodGet, searchURL, nil, "", &result); err != nil {
		return nil, fmt.Errorf("search items: %w", err)
	}

	items := make([]publish.Item, 0, len(result.Results))
	for _, r := range result.Results {
		items = append(items, publish.Item{ID: r.ID, Title: r.Title, Owner: r.Owner, Type: r.Type})
	}
	return items, nil
}

// DeleteItem permanently removes an item from the owner's content.
func (c *Client) DeleteItem(ctx context.Context, itemID string) error {
	deleteURL := c.restURL("content", "users", c.cfg.Username, "items", itemID, "delete")
	body := c.form(url.Values{}).Encode()

	var result struct {
		Success bool `json:"success"`
	}
	if err := c.do(ctx, http.MethodPost, deleteURL, strings.NewReader(body),
		"application/x-www-form-urlencoded", &result); err != nil {
		return fmt.Errorf("delete item %s: %w", itemID, err)
	}
	if !result.Success {
		return fmt.Errorf("delete item %s: portal reported failure", itemID)
	}
	return nil
}

// CreateItem uploads a new artifact as a multipart form with the
// payload as the file part.
func (c *Client) CreateItem(ctx context.Context, props publish.ItemProperties, payload []byte, folder string) (publish.Item, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := map[string]string{
		"f":           "json",
		"title":       props.Title,
		"type":        props.Type,
		"tags":        props.Tags,
		"description": props.Description,
		"fileName":    props.FileName,
	}
	if folder != "" {
		fields["folder"] = folder
	}
	if c.cfg.Token != "" {
		fields["token"] = c.cfg.Token
	}
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			return publish.Item{}, fmt.Errorf("write form field %s: %w", name, err)
		}
	}
	part, err := mw.CreateFormFile("file", props.FileName)
	if err != nil {
		return publish.Item{}, fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(payload); err != nil {
		return publish.Item{}, fmt.Errorf("write payload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return publish.Item{}, fmt.Errorf("finalize multipart body: %w", err)
	}

	addURL := c.restURL("content", "users", c.cfg.Username, "addItem")
	var result struct {
		Success bool   `json:"success"`
		ID      string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, addURL, &buf, mw.FormDataContentType(), &result); err != nil {
		return publish.Item{}, fmt.Errorf("add item %q: %w", props.Title, err)
	}
	if !result.Success {
		return publish.Item{}, fmt.Errorf("add item %q: portal reported failure", props.Title)
	}
	return publish.Item{ID: result.ID, Title: props.Title, Owner: c.cfg.Username, Type: props.Type}, nil
}

// PublishItem publishes an uploaded artifact as a hosted feature layer.
func (c *Client) PublishItem(ctx context.Context, itemID string, overwrite bool) (publish.Layer, error) {
	params, err := json.Marshal(map[string]any{"overwrite": overwrite})
	if err != nil {
		return publish.Layer{}, fmt.Errorf("marshal publish parameters: %w", err)
	}
	body := c.form(url.Values{
		"itemId":            []string{itemID},
		"filetype":          []string{"geojson"},
		"publishParameters": []string{string(params)},
	}).Encode()

	publishURL := c.restURL("content", "users", c.cfg.Username, "publish")
	var result struct {
		Services []struct {
			ServiceItemID string `json:"serviceItemId"`
			ServiceURL    string `json:"serviceurl"`
		} `json:"services"`
	}
	if err := c.do(ctx, http.MethodPost, publishURL, strings.NewReader(body),
		"application/x-www-form-urlencoded", &result); err != nil {
		return publish.Layer{}, fmt.Errorf("publish item %s: %w", itemID, err)
	}
	if len(result.Services) == 0 {
		return publish.Layer{}, fmt.Errorf("publish item %s: no service in response", itemID)
	}
	svc := result.Services[0]
	return publish.Layer{ItemID: svc.ServiceItemID, URL: svc.ServiceURL + "/0"}, nil
}

// queryFeature is the layer query response shape: one flat attribute
// mapping plus an optional GeoJSON geometry per feature.
type queryFeature struct {
	Attributes map[string]any    `json:"attributes"`
	Geometry   *geojson.Geometry `json:"geometry"`
}

// QueryFeatures returns the layer's features matching where, projected
// to outFields.
func (c *Client) QueryFeatures(ctx context.Context, layer publish.Layer, where string, outFields []string, returnGeometry bool) ([]publish.Feature, error) {
	if where == "" {
		where = "1=1"
	}
	fieldsParam := "*"
	if len(outFields) > 0 {
		fieldsParam = strings.Join(outFields, ",")
	}
	values := c.form(url.Values{
		"where":          []string{where},
		"outFields":      []string{fieldsParam},
		"returnGeometry": []string{fmt.Sprintf("%t", returnGeometry)},
	})

	var result struct {
		Features              []queryFeature `json:"features"`
		ObjectIDFieldName     string         `json:"objectIdFieldName"`
		ExceededTransferLimit bool           `json:"exceededTransferLimit"`
	}
	queryURL := layer.URL + "/query?" + values.Encode()
	if err := c.do(ctx, http.MethodGet, queryURL, nil, "", &result); err != nil {
		return nil, fmt.Errorf("query layer: %w", err)
	}

	oidField := result.ObjectIDFieldName
	if oidField == "" {
		oidField = "OBJECTID"
	}
	features := make([]publish.Feature, 0, len(result.Features))
	for _, f := range result.Features {
		feat := publish.Feature{Attributes: f.Attributes}
		if oid, ok := f.Attributes[oidField].(float64); ok {
			feat.ObjectID = int64(oid)
		}
		if f.Geometry != nil {
			feat.Geometry = f.Geometry.Geometry()
		}
		features = append(features, feat)
	}
	return features, nil
}

// ApplyUpdates submits one batch of whole-feature updates and returns
// the store's per-item results.
func (c *Client) ApplyUpdates(ctx context.Context, layer publish.Layer, updates []publish.Feature) ([]publish.UpdateResult, error) {
	edits := make([]map[string]any, 0, len(updates))
	for _, u := range updates {
		edit := map[string]any{"attributes": u.Attributes}
		if u.Geometry != nil {
			edit["geometry"] = geojson.NewGeometry(u.Geometry)
		}
		edits = append(edits, edit)
	}
	payload, err := json.Marshal(edits)
	if err != nil {
		return nil, fmt.Errorf("marshal updates: %w", err)
	}
	body := c.form(url.Values{"updates": []string{string(payload)}}).Encode()

	var result struct {
		UpdateResults []struct {
			ObjectID int64 `json:"objectId"`
			Success  bool  `json:"success"`
			Error    *struct {
				Description string `json:"description"`
			} `json:"error"`
		} `json:"updateResults"`
	}
	if err := c.do(ctx, http.MethodPost, layer.URL+"/applyEdits", strings.NewReader(body),
		"application/x-www-form-urlencoded", &result); err != nil {
		return nil, fmt.Errorf("apply edits: %w", err)
	}

	results := make([]publish.UpdateResult, 0, len(result.UpdateResults))
	for _, r := range result.UpdateResults {
		res := publish.UpdateResult{ObjectID: r.ObjectID, Success: r.Success}
		if r.Error != nil {
			res.Error = r.Error.Description
		}
		results = append(results, res)
	}
	return results, nil
}
