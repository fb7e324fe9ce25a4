package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scan-job-queue/internal/storage"
)

type fakeCreator struct {
	gotEncoding string
	gotWF       WorkflowContext
	out         json.RawMessage
}

func (f *fakeCreator) Create(ctx context.Context, enc, upc string, wf WorkflowContext) (json.RawMessage, error) {
	f.gotEncoding = enc
	f.gotWF = wf
	return f.out, nil
}

type fakeParser struct {
	gotExisting json.RawMessage
}

func (f *fakeParser) Parse(ctx context.Context, enc, upc string, existing json.RawMessage) (json.RawMessage, error) {
	f.gotExisting = existing
	return json.RawMessage(`{"ingredients":["water"]}`), nil
}

type fakeUploader struct {
	uploadErr error
	updated   json.RawMessage
	gotURL    string
}

func (f *fakeUploader) Upload(ctx context.Context, imageRef, upc string) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	return "https://img.example/1.jpg", nil
}

func (f *fakeUploader) UpdateRecord(ctx context.Context, upc, url string) (json.RawMessage, error) {
	f.gotURL = url
	return f.updated, nil
}

type fakeEncoder struct {
	calls int
}

func (f *fakeEncoder) Encode(ctx context.Context, imageRef string) (string, error) {
	f.calls++
	return "encoded:" + imageRef, nil
}

func TestCreateProcessorPassesWorkflowContext(t *testing.T) {
	creator := &fakeCreator{out: json.RawMessage(`{"success":true}`)}
	procs := NewProcessorSet(ProcessorDeps{Creator: creator, Encoder: &fakeEncoder{}})

	job := &storage.Job{
		ID:            "j1",
		Type:          storage.TypeProductCreation,
		UPC:           "0001",
		ImageRef:      "/photos/p.jpg",
		WorkflowID:    "wf1",
		WorkflowType:  storage.WorkflowAddNewProduct,
		WorkflowSteps: &storage.WorkflowSteps{Total: 2, Current: 1},
	}
	out, err := procs[storage.TypeProductCreation](context.Background(), job)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true}`, string(out))
	assert.Equal(t, "encoded:/photos/p.jpg", creator.gotEncoding)
	assert.Equal(t, storage.WorkflowAddNewProduct, creator.gotWF.Type)
}

func TestEncodedImageCachedOnJob(t *testing.T) {
	enc := &fakeEncoder{}
	procs := NewProcessorSet(ProcessorDeps{
		Creator: &fakeCreator{out: json.RawMessage(`{}`)},
		Encoder: enc,
	})

	job := &storage.Job{ID: "j1", Type: storage.TypeProductCreation, UPC: "0001", ImageRef: "/p.jpg"}
	_, err := procs[storage.TypeProductCreation](context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "encoded:/p.jpg", job.ImageEncoding)

	// A retry reuses the cached encoding instead of re-reading the file.
	_, err = procs[storage.TypeProductCreation](context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 1, enc.calls)
}

func TestParseProcessorForwardsExistingData(t *testing.T) {
	parser := &fakeParser{}
	procs := NewProcessorSet(ProcessorDeps{Parser: parser, Encoder: &fakeEncoder{}})

	job := &storage.Job{
		ID:           "j1",
		Type:         storage.TypeIngredientParsing,
		UPC:          "0002",
		ImageRef:     "/p.jpg",
		ExistingData: json.RawMessage(`{"name":"Tofu"}`),
	}
	out, err := procs[storage.TypeIngredientParsing](context.Background(), job)
	require.NoError(t, err)
	assert.Contains(t, string(out), "water")
	assert.JSONEq(t, `{"name":"Tofu"}`, string(parser.gotExisting))
}

func TestUploadProcessorComposesResult(t *testing.T) {
	up := &fakeUploader{updated: json.RawMessage(`{"name":"Tofu"}`)}
	procs := NewProcessorSet(ProcessorDeps{Uploader: up})

	job := &storage.Job{ID: "j1", Type: storage.TypeProductPhotoUpload, UPC: "0003", ImageRef: "/p.jpg"}
	out, err := procs[storage.TypeProductPhotoUpload](context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "https://img.example/1.jpg", up.gotURL)

	var result struct {
		ImageURL string          `json:"imageUrl"`
		Product  json.RawMessage `json:"product"`
	}
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Equal(t, "https://img.example/1.jpg", result.ImageURL)
	assert.JSONEq(t, `{"name":"Tofu"}`, string(result.Product))
}

func TestUploadProcessorPropagatesError(t *testing.T) {
	up := &fakeUploader{uploadErr: errors.New("storage unavailable")}
	procs := NewProcessorSet(ProcessorDeps{Uploader: up})

	job := &storage.Job{ID: "j1", Type: storage.TypeProductPhotoUpload, UPC: "0004", ImageRef: "/p.jpg"}
	_, err := procs[storage.TypeProductPhotoUpload](context.Background(), job)
	require.Error(t, err)
}

func TestMissingEncoderFails(t *testing.T) {
	procs := NewProcessorSet(ProcessorDeps{Creator: &fakeCreator{}})

	job := &storage.Job{ID: "j1", Type: storage.TypeProductCreation, UPC: "0005", ImageRef: "/p.jpg"}
	_, err := procs[storage.TypeProductCreation](context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no image encoder")
}
