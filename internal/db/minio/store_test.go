package minio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/kailas-cloud/vecmerge/internal/db"
)

// fakeBucket serves a path-style S3 API for a single bucket.
func fakeBucket(t *testing.T, bucket string, objects map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		name, key, _ := strings.Cut(path, "/")
		if name != bucket {
			writeS3Error(w, http.StatusNotFound, "NoSuchBucket")
			return
		}
		switch {
		case key == "" && r.Method == http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case key == "" && r.URL.Query().Get("list-type") == "2":
			writeListing(w, bucket, r.URL.Query().Get("prefix"), objects)
		case r.Method == http.MethodGet:
			body, ok := objects[key]
			if !ok {
				writeS3Error(w, http.StatusNotFound, "NoSuchKey")
				return
			}
			w.Header().Set("Content-Length", fmt.Sprint(len(body)))
			w.Header().Set("ETag", `"etag"`)
			w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
			_, _ = w.Write([]byte(body))
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeS3Error(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, code)
}

func writeListing(w http.ResponseWriter, bucket, prefix string, objects map[string]string) {
	var keys []string
	for k := range objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var b strings.Builder
	fmt.Fprintf(&b, `<?xml version="1.0" encoding="UTF-8"?><ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`+
		`<Name>%s</Name><Prefix>%s</Prefix><KeyCount>%d</KeyCount><MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated>`,
		bucket, prefix, len(keys))
	for _, k := range keys {
		fmt.Fprintf(&b, `<Contents><Key>%s</Key><Size>%d</Size></Contents>`, k, len(objects[k]))
	}
	b.WriteString(`</ListBucketResult>`)
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(b.String()))
}

func newTestStore(t *testing.T, objects map[string]string) *Store {
	t.Helper()
	srv := fakeBucket(t, "corpus", objects)
	s, err := NewStore(Config{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "key",
		SecretKey: "secret",
		Region:    "us-east-1",
		Bucket:    "corpus",
		Prefix:    "v1",
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestNewStore_RequiresEndpointAndBucket(t *testing.T) {
	if _, err := NewStore(Config{Bucket: "b"}); err == nil {
		t.Error("expected error without endpoint")
	}
	if _, err := NewStore(Config{Endpoint: "localhost:9000"}); err == nil {
		t.Error("expected error without bucket")
	}
}

func TestStore_ListKeys(t *testing.T) {
	s := newTestStore(t, map[string]string{
		"v1/rag/doc/emb_doc_map/cluster1_1": "{}",
		"v1/rag/doc/emb_doc_map/cluster1_0": "{}",
		"v1/rag/doc/emb_doc_map/cluster2_0": "{}",
		"v1/rag/doc/7":                      "seven",
	})

	keys, err := s.ListKeys(context.Background(), "/rag/doc/emb_doc_map/cluster1")
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	want := []string{"/rag/doc/emb_doc_map/cluster1_0", "/rag/doc/emb_doc_map/cluster1_1"}
	if fmt.Sprint(keys) != fmt.Sprint(want) {
		t.Errorf("keys = %v, want %v", keys, want)
	}
}

func TestStore_Get(t *testing.T) {
	s := newTestStore(t, map[string]string{"v1/rag/doc/7": "seven"})

	data, err := s.Get(context.Background(), "/rag/doc/7")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "seven" {
		t.Errorf("data = %q, want %q", data, "seven")
	}
}

func TestStore_GetMissing(t *testing.T) {
	s := newTestStore(t, map[string]string{})

	_, err := s.Get(context.Background(), "/rag/doc/8")
	if !errors.Is(err, db.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestStore_Ping(t *testing.T) {
	s := newTestStore(t, nil)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
