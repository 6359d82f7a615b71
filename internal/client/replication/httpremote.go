package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/quackmore/mycoRegister/internal/client/api"
	"github.com/quackmore/mycoRegister/internal/client/models"
	"github.com/quackmore/mycoRegister/internal/common"
)

// HTTPRemote binds a per-user remote store path under /db/<storeID>.
// Every request carries the current bearer token through api.BearerTransport
// so rotating tokens apply without tearing down the binding.
type HTTPRemote struct {
	baseURL string
	http    *http.Client
}

// NewHTTPRemote builds the remote binding for storeID. The token source is
// read per request.
func NewHTTPRemote(serverURL, storeID string, source api.TokenSource) *HTTPRemote {
	return &HTTPRemote{
		baseURL: strings.TrimRight(serverURL, "/") + "/db/" + url.PathEscape(storeID),
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &api.BearerTransport{Source: source},
		},
	}
}

// remoteDoc is the wire shape of a replicated document.
type remoteDoc struct {
	ID        string          `json:"_id"`
	Payload   json.RawMessage `json:"payload"`
	Deleted   bool            `json:"_deleted,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Push uploads locally edited documents in bulk.
func (r *HTTPRemote) Push(ctx context.Context, docs []models.Record) error {
	wire := make([]remoteDoc, len(docs))
	for i, d := range docs {
		wire[i] = remoteDoc{ID: d.ID, Payload: d.Payload, Deleted: d.Deleted, UpdatedAt: d.UpdatedAt}
	}
	body, err := json.Marshal(map[string]any{"docs": wire})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/_bulk_docs", strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return r.checkStatus(resp, "push")
}

type changesResponse struct {
	Results []remoteDoc `json:"results"`
	LastSeq int64       `json:"last_seq"`
}

// Pull fetches remote documents after the given checkpoint.
func (r *HTTPRemote) Pull(ctx context.Context, since int64, limit int) ([]models.Record, int64, error) {
	u := r.baseURL + "/_changes?include_docs=true&since=" + strconv.FormatInt(since, 10) +
		"&limit=" + strconv.Itoa(limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if err := r.checkStatus(resp, "pull"); err != nil {
		return nil, 0, err
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	var cr changesResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, 0, fmt.Errorf("pull: %w: %v", common.ErrMalformedResponse, err)
	}

	docs := make([]models.Record, len(cr.Results))
	for i, d := range cr.Results {
		docs[i] = models.Record{ID: d.ID, Payload: d.Payload, Deleted: d.Deleted, UpdatedAt: d.UpdatedAt}
	}
	if cr.LastSeq == 0 {
		cr.LastSeq = since
	}
	return docs, cr.LastSeq, nil
}

func (r *HTTPRemote) checkStatus(resp *http.Response, op string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %d: %w", op, resp.StatusCode, common.ErrorUnauthorized)
	default:
		return fmt.Errorf("%s: unexpected status %d", op, resp.StatusCode)
	}
}
