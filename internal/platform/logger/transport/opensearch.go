package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"radioguard/internal/platform/logger"
)

const defaultIndexPrefix = "radioguard-logs"

// OpenSearchConfig configures bulk indexing. Entries land in daily indices
// named <IndexPrefix>-YYYY.MM.DD.
type OpenSearchConfig struct {
	Addresses          []string
	Username           string
	Password           string
	InsecureSkipVerify bool
	IndexPrefix        string
	BatchSize          int
	MinLevel           logger.Level
}

// OpenSearch buffers entries and writes them with the bulk API.
type OpenSearch struct {
	client *opensearch.Client
	cfg    OpenSearchConfig

	mu     sync.Mutex
	buffer []logger.Entry
}

func NewOpenSearch(cfg OpenSearchConfig) (*OpenSearch, error) {
	if len(cfg.Addresses) == 0 {
		return nil, errors.New("opensearch transport requires at least one address")
	}
	if cfg.IndexPrefix == "" {
		cfg.IndexPrefix = defaultIndexPrefix
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}, //nolint:gosec // opt-in for dev clusters
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create opensearch client: %w", err)
	}
	return &OpenSearch{client: client, cfg: cfg}, nil
}

func (o *OpenSearch) Name() string           { return "opensearch" }
func (o *OpenSearch) Enabled() bool          { return true }
func (o *OpenSearch) MinLevel() logger.Level { return o.cfg.MinLevel }

func (o *OpenSearch) Log(ctx context.Context, e logger.Entry) error {
	o.mu.Lock()
	o.buffer = append(o.buffer, e)
	full := len(o.buffer) >= o.cfg.BatchSize
	o.mu.Unlock()

	if full {
		return o.Flush(ctx)
	}
	return nil
}

func (o *OpenSearch) Flush(ctx context.Context) error {
	o.mu.Lock()
	batch := o.buffer
	o.buffer = nil
	o.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	var body bytes.Buffer
	for _, e := range batch {
		meta, _ := json.Marshal(map[string]any{
			"index": map[string]string{"_index": o.indexFor(e)},
		})
		body.Write(meta)
		body.WriteByte('\n')
		body.Write(logger.FormatJSON(e))
		body.WriteByte('\n')
	}

	res, err := opensearchapi.BulkRequest{Body: &body}.Do(ctx, o.client)
	if err != nil {
		return fmt.Errorf("bulk index %d entries: %w", len(batch), err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("bulk index %d entries: %s", len(batch), res.String())
	}
	return bulkItemErrors(res.Body)
}

func (o *OpenSearch) indexFor(e logger.Entry) string {
	return o.cfg.IndexPrefix + "-" + e.Timestamp.UTC().Format("2006.01.02")
}

// bulkItemErrors reports per-document failures hidden inside a 200 response.
func bulkItemErrors(body io.Reader) error {
	var resp struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return fmt.Errorf("decode bulk response: %w", err)
	}
	if !resp.Errors {
		return nil
	}
	failed := 0
	var first string
	for _, item := range resp.Items {
		for _, result := range item {
			if result.Error != nil {
				failed++
				if first == "" {
					first = result.Error.Type + ": " + result.Error.Reason
				}
			}
		}
	}
	return fmt.Errorf("bulk index: %d documents rejected, first: %s", failed, first)
}
