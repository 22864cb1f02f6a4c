package graph

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const deltaPageOne = `{
	"value": [
		{
			"id": "item1",
			"name": "report.docx",
			"size": 1024,
			"eTag": "e1",
			"cTag": "c1",
			"lastModifiedDateTime": "2024-03-15T10:30:00Z",
			"parentReference": {"path": "/drive/root:/Documents"},
			"file": {"hashes": {"sha256Hash": "abc123"}}
		},
		{
			"id": "item2",
			"name": "Photos",
			"size": 0,
			"parentReference": {"path": "/drive/root:"},
			"folder": {}
		}
	],
	"@odata.nextLink": "%s/root/delta?token=page2"
}`

const deltaPageTwo = `{
	"value": [
		{
			"id": "item3",
			"name": "gone.txt",
			"parentReference": {"path": "/drive/root:/Documents"},
			"deleted": {}
		}
	],
	"@odata.deltaLink": "https://example.invalid/root/delta?token=final"
}`

func TestDelta_InitialPage(t *testing.T) {
	var srvURL string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/root/delta", r.URL.Path)
		assert.Empty(t, r.URL.RawQuery)
		fmt.Fprintf(w, deltaPageOne, srvURL)
	}))
	defer srv.Close()

	srvURL = srv.URL

	c := newTestClient(t, srv.URL)

	page, err := c.Delta(context.Background(), "")
	require.NoError(t, err)

	require.Len(t, page.Items, 2)
	assert.Equal(t, srv.URL+"/root/delta?token=page2", page.NextLink)
	assert.Empty(t, page.DeltaLink)

	file := page.Items[0]
	assert.Equal(t, "item1", file.ID)
	assert.Equal(t, "Documents/report.docx", file.RelativePath)
	assert.Equal(t, int64(1024), file.Size)
	assert.Equal(t, "c1", file.CTag)
	assert.Equal(t, "e1", file.ETag)
	assert.True(t, file.IsFile)
	assert.False(t, file.IsFolder)
	assert.Equal(t, "abc123", file.SHA256Hash)
	assert.Equal(t, time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC), file.LastModifiedUTC)

	folder := page.Items[1]
	assert.True(t, folder.IsFolder)
	assert.Equal(t, "Photos", folder.RelativePath)
}

func TestDelta_ContinuationToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "page2", r.URL.Query().Get("token"))
		fmt.Fprint(w, deltaPageTwo)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	page, err := c.Delta(context.Background(), srv.URL+"/root/delta?token=page2")
	require.NoError(t, err)

	require.Len(t, page.Items, 1)
	assert.True(t, page.Items[0].IsDeleted)
	assert.Equal(t, "Documents/gone.txt", page.Items[0].RelativePath)
	assert.Equal(t, "https://example.invalid/root/delta?token=final", page.DeltaLink)
	assert.Empty(t, page.NextLink)
}

func TestDelta_ExpiredTokenReturnsGone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.Delta(context.Background(), srv.URL+"/root/delta?token=stale")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGone)
}

func TestDelta_MalformedToken(t *testing.T) {
	c := newTestClient(t, "http://unused.invalid")

	_, err := c.Delta(context.Background(), "not-a-url")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed delta token")
}

func TestDelta_DeduplicatesItems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{
			"value": [
				{"id": "dup", "name": "v1.txt", "parentReference": {"path": "/drive/root:"}, "file": {}},
				{"id": "dup", "name": "v2.txt", "parentReference": {"path": "/drive/root:"}, "file": {}}
			],
			"@odata.deltaLink": "https://example.invalid/delta?token=t"
		}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	page, err := c.Delta(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "v2.txt", page.Items[0].Name)
}
