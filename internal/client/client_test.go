package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scan-job-queue/internal/queue"
	"scan-job-queue/internal/storage"
)

func TestRecognitionCreateReturnsBodyVerbatim(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write([]byte(`{"success":true,"productName":"Tofu"}`))
	}))
	defer srv.Close()

	c := NewRecognitionClient(srv.URL, "secret", 5*time.Second)
	out, err := c.Create(context.Background(), "base64data", "0001", queue.WorkflowContext{
		Type:  storage.WorkflowAddNewProduct,
		Steps: &storage.WorkflowSteps{Total: 2, Current: 1},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"productName":"Tofu"}`, string(out))
	assert.Equal(t, "/v1/products/recognize", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "base64data", gotBody["image"])
	assert.Equal(t, "0001", gotBody["upc"])
}

func TestRecognitionDomainFailureIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Unreadable photo is a 200 with an embedded error; it must not
		// trigger the retry path.
		w.Write([]byte(`{"success":false,"error":"photo too blurry"}`))
	}))
	defer srv.Close()

	c := NewRecognitionClient(srv.URL, "", 5*time.Second)
	out, err := c.Parse(context.Background(), "img", "0002", nil)
	require.NoError(t, err)
	assert.Contains(t, string(out), "photo too blurry")
}

func TestRecognitionServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewRecognitionClient(srv.URL, "", 5*time.Second)
	_, err := c.Parse(context.Background(), "img", "0003", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestImageClientUploadAndUpdate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/images":
			w.Write([]byte(`{"url":"https://img.example/1.jpg"}`))
		case r.Method == http.MethodPut && r.URL.Path == "/v1/products/0004/image":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "https://img.example/1.jpg", body["imageUrl"])
			w.Write([]byte(`{"name":"Tofu","image":"https://img.example/1.jpg"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewImageClient(srv.URL, "", 5*time.Second)
	url, err := c.Upload(context.Background(), "/photos/p.jpg", "0004")
	require.NoError(t, err)
	require.Equal(t, "https://img.example/1.jpg", url)

	product, err := c.UpdateRecord(context.Background(), "0004", url)
	require.NoError(t, err)
	assert.Contains(t, string(product), "Tofu")
}

func TestImageClientUploadMissingURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewImageClient(srv.URL, "", 5*time.Second)
	_, err := c.Upload(context.Background(), "/photos/p.jpg", "0005")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing url")
}

func TestBase64FileEncoder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "photo.jpg")
	require.NoError(t, os.WriteFile(path, []byte("raw-image-bytes"), 0o644))

	enc := &Base64FileEncoder{}
	out, err := enc.Encode(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("raw-image-bytes")), out)

	_, err = enc.Encode(context.Background(), filepath.Join(t.TempDir(), "missing.jpg"))
	assert.Error(t, err)
}

func TestBase64FileEncoderSizeLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.jpg")
	require.NoError(t, os.WriteFile(path, make([]byte, 100), 0o644))

	enc := &Base64FileEncoder{MaxBytes: 50}
	_, err := enc.Encode(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "over the")
}

func TestDeviceIdentityIsStable(t *testing.T) {
	kv := storage.NewMemoryKV()
	d := NewDeviceIdentity(kv)

	id1, err := d.DeviceID()
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	id2, err := d.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	// A fresh provider over the same storage sees the persisted id.
	id3, err := NewDeviceIdentity(kv).DeviceID()
	require.NoError(t, err)
	assert.Equal(t, id1, id3)
}
