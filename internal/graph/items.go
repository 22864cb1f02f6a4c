package graph

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
)

// Upload session request/response types for API JSON serialization.
type createUploadSessionRequest struct {
	Item uploadSessionItem `json:"item"`
}

type uploadSessionItem struct {
	ConflictBehavior string          `json:"@microsoft.graph.conflictBehavior"` //nolint:tagliatelle // API annotation key
	FileSystemInfo   *fileSystemInfo `json:"fileSystemInfo,omitempty"`
}

// fileSystemInfo preserves the local modification timestamp on upload so the
// server does not replace it with receipt time.
type fileSystemInfo struct {
	LastModifiedDateTime string `json:"lastModifiedDateTime"`
}

type uploadSessionResponse struct {
	UploadURL          string `json:"uploadUrl"`
	ExpirationDateTime string `json:"expirationDateTime"`
}

// escapeRelPath percent-encodes each segment of a forward-slash relative
// path for use inside an "items/root:/{path}:" addressing expression.
func escapeRelPath(relPath string) string {
	segments := strings.Split(relPath, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	return strings.Join(segments, "/")
}

// SimpleUpload uploads a small file with a single PUT addressed by its
// relative path. Use an upload session for files of UploadSessionThreshold
// bytes or more. The content is sent as application/octet-stream without
// retry; retrying a partially consumed reader is not safe.
func (c *Client) SimpleUpload(ctx context.Context, relPath string, r io.Reader, size int64) (*Item, error) {
	c.logger.Info("simple upload",
		slog.String("path", relPath),
		slog.Int64("size", size),
	)

	apiPath := fmt.Sprintf("/items/root:/%s:/content", escapeRelPath(relPath))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+apiPath, r)
	if err != nil {
		return nil, fmt.Errorf("graph: creating upload request: %w", err)
	}

	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("graph: obtaining token for upload: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", userAgent)
	req.ContentLength = size

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph: upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		errBody, _ := io.ReadAll(resp.Body) //nolint:errcheck // best-effort read for error message

		return nil, errorFromResponse(resp.StatusCode, resp.Header.Get("request-id"), errBody)
	}

	var dir driveItemResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&dir); decErr != nil {
		return nil, fmt.Errorf("graph: decoding upload response: %w", decErr)
	}

	item := dir.toItem(c.logger)

	return &item, nil
}

// CreateUploadSession opens a resumable upload session for a file addressed
// by its relative path, with conflict behavior "replace". When mtime is
// non-zero it is preserved on the created item.
func (c *Client) CreateUploadSession(ctx context.Context, relPath string, mtime time.Time) (*UploadSession, error) {
	c.logger.Info("creating upload session", slog.String("path", relPath))

	apiPath := fmt.Sprintf("/items/root:/%s:/createUploadSession", escapeRelPath(relPath))

	item := uploadSessionItem{ConflictBehavior: "replace"}
	if !mtime.IsZero() {
		item.FileSystemInfo = &fileSystemInfo{
			LastModifiedDateTime: mtime.UTC().Format(time.RFC3339),
		}
	}

	bodyBytes, err := json.Marshal(createUploadSessionRequest{Item: item})
	if err != nil {
		return nil, fmt.Errorf("graph: marshaling upload session request: %w", err)
	}

	resp, err := c.Do(ctx, http.MethodPost, apiPath, bodyBytes)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var sr uploadSessionResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&sr); decErr != nil {
		return nil, fmt.Errorf("graph: decoding upload session response: %w", decErr)
	}

	if sr.UploadURL == "" {
		return nil, fmt.Errorf("graph: upload session response missing uploadUrl")
	}

	session := &UploadSession{UploadURL: sr.UploadURL}

	if sr.ExpirationDateTime != "" {
		if exp, parseErr := time.Parse(time.RFC3339, sr.ExpirationDateTime); parseErr == nil {
			session.Expiration = exp.UTC()
		}
	}

	return session, nil
}

// UploadChunk sends one chunk of an upload session. offset and length
// describe the chunk's byte range; total is the full file size. Returns the
// completed Item on the final chunk (200/201) and nil for intermediate
// chunks (202). The session URL is pre-authenticated, so no Authorization
// header is sent.
func (c *Client) UploadChunk(
	ctx context.Context, session *UploadSession, chunk io.Reader, offset, length, total int64,
) (*Item, error) {
	c.logger.Debug("uploading chunk",
		slog.Int64("offset", offset),
		slog.Int64("length", length),
		slog.Int64("total", total),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, session.UploadURL, chunk)
	if err != nil {
		return nil, fmt.Errorf("graph: creating chunk request: %w", err)
	}

	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, total))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", userAgent)
	req.ContentLength = length

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph: chunk upload request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		// Intermediate chunk. Drain body to reuse the connection.
		if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
			return nil, fmt.Errorf("graph: draining chunk response body: %w", drainErr)
		}

		return nil, nil

	case http.StatusOK, http.StatusCreated:
		var dir driveItemResponse
		if decErr := json.NewDecoder(resp.Body).Decode(&dir); decErr != nil {
			return nil, fmt.Errorf("graph: decoding final chunk response: %w", decErr)
		}

		item := dir.toItem(c.logger)

		c.logger.Debug("upload complete", slog.String("item_id", item.ID))

		return &item, nil

	default:
		errBody, _ := io.ReadAll(resp.Body) //nolint:errcheck // best-effort read for error message

		return nil, errorFromResponse(resp.StatusCode, resp.Header.Get("request-id"), errBody)
	}
}

// CancelUploadSession discards an in-progress upload session. The session
// URL is pre-authenticated, so no Authorization header is sent.
func (c *Client) CancelUploadSession(ctx context.Context, session *UploadSession) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, session.UploadURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("graph: creating cancel session request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph: cancel session request failed: %w", err)
	}
	defer resp.Body.Close()

	if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
		return fmt.Errorf("graph: draining cancel response body: %w", drainErr)
	}

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("graph: cancel session failed with status %d", resp.StatusCode)
	}

	return nil
}

// Download streams the content of an item to w and returns the number of
// bytes written. The server redirects to a pre-authenticated content URL;
// the HTTP client follows it transparently.
func (c *Client) Download(ctx context.Context, itemID string, w io.Writer) (int64, error) {
	resp, err := c.Do(ctx, http.MethodGet, "/items/"+url.PathEscape(itemID)+"/content", nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("graph: streaming download: %w", err)
	}

	return n, nil
}

// DeleteItem deletes an item by ID. Deleting an already-deleted item
// returns ErrNotFound; callers treat that as success.
func (c *Client) DeleteItem(ctx context.Context, itemID string) error {
	resp, err := c.Do(ctx, http.MethodDelete, "/items/"+url.PathEscape(itemID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
		return fmt.Errorf("graph: draining delete response body: %w", drainErr)
	}

	return nil
}
