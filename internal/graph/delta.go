package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// deltaResponse mirrors the API delta response JSON structure.
// Unexported; callers receive normalized DeltaPage values.
type deltaResponse struct {
	Value     []driveItemResponse `json:"value"`
	NextLink  string              `json:"@odata.nextLink"`  //nolint:tagliatelle // OData annotation key
	DeltaLink string              `json:"@odata.deltaLink"` //nolint:tagliatelle // OData annotation key
}

// Delta fetches one page of the change stream. An empty token starts a full
// enumeration from the drive root; otherwise token is the NextLink or
// DeltaLink URL from a previous page. HTTP 410 means the token has expired
// and the caller must restart with an empty token (ErrGone).
func (c *Client) Delta(ctx context.Context, token string) (*DeltaPage, error) {
	path := "/root/delta"
	if token != "" {
		if !strings.HasPrefix(token, "http") {
			return nil, fmt.Errorf("graph: malformed delta token %q", token)
		}

		path = token
	}

	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var dr deltaResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return nil, fmt.Errorf("graph: decoding delta response: %w", err)
	}

	items := make([]Item, 0, len(dr.Value))
	for i := range dr.Value {
		items = append(items, dr.Value[i].toItem(c.logger))
	}

	items = dedupeByID(items, c.logger)

	c.logger.Debug("fetched delta page",
		slog.Int("items", len(items)),
		slog.Bool("has_next_link", dr.NextLink != ""),
		slog.Bool("has_delta_link", dr.DeltaLink != ""),
	)

	return &DeltaPage{
		Items:     items,
		NextLink:  dr.NextLink,
		DeltaLink: dr.DeltaLink,
	}, nil
}
