package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/colebrumley/tablewatch/internal/recipe"
	"github.com/colebrumley/tablewatch/internal/security"
)

// Airtable lists every record of an Airtable table through the REST API,
// following pagination offsets until the table is exhausted.
type Airtable struct {
	baseURL           string
	lastModifiedField string
	client            *http.Client
	logger            *slog.Logger
}

// NewAirtable creates an Airtable source. lastModifiedField names the field
// holding each record's modification time unless a connection overrides it.
func NewAirtable(baseURL, lastModifiedField string, timeout time.Duration, logger *slog.Logger) *Airtable {
	if logger == nil {
		logger = slog.Default()
	}
	return &Airtable{
		baseURL:           strings.TrimRight(baseURL, "/"),
		lastModifiedField: lastModifiedField,
		client:            &http.Client{Timeout: timeout},
		logger:            logger,
	}
}

type airtablePage struct {
	Records []struct {
		ID          string         `json:"id"`
		CreatedTime string         `json:"createdTime"`
		Fields      map[string]any `json:"fields"`
	} `json:"records"`
	Offset string `json:"offset"`
}

// FetchAll implements Source.
func (a *Airtable) FetchAll(ctx context.Context, conn recipe.Connection) ([]Record, error) {
	field := a.lastModifiedField
	if conn.LastModifiedField != "" {
		field = conn.LastModifiedField
	}

	var records []Record
	offset := ""
	for {
		page, err := a.fetchPage(ctx, conn, offset)
		if err != nil {
			return nil, &UnavailableError{Source: recipe.SourceAirtable, Table: conn.TableName, Err: err}
		}
		for _, r := range page.Records {
			if r.Fields == nil {
				r.Fields = map[string]any{}
			}
			records = append(records, Record{
				ID:           r.ID,
				Fields:       r.Fields,
				CreatedTime:  r.CreatedTime,
				LastModified: lastModified(r.Fields, field),
			})
		}
		if page.Offset == "" {
			break
		}
		offset = page.Offset
	}

	a.logger.Debug("fetched records", "source", recipe.SourceAirtable, "table", conn.TableName, "count", len(records))
	return records, nil
}

func (a *Airtable) fetchPage(ctx context.Context, conn recipe.Connection, offset string) (*airtablePage, error) {
	endpoint := fmt.Sprintf("%s/%s/%s", a.baseURL, url.PathEscape(conn.BaseKey), url.PathEscape(conn.TableName))
	q := url.Values{}
	q.Set("pageSize", "100")
	if offset != "" {
		q.Set("offset", offset)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+conn.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting records: %s", security.ScrubSecrets(err.Error()))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, security.ScrubSecrets(strings.TrimSpace(string(body))))
	}

	var page airtablePage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decoding records: %w", err)
	}
	return &page, nil
}
