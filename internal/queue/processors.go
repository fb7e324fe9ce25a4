package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"scan-job-queue/internal/storage"
)

// WorkflowContext is the slice of workflow metadata the recognition service
// wants alongside a creation request.
type WorkflowContext struct {
	Type  storage.WorkflowType
	Steps *storage.WorkflowSteps
}

// ProductCreationService is the remote boundary that turns a product photo
// into product attributes. Domain failures (low confidence and the like) come
// back inside the payload; only transport problems are errors.
type ProductCreationService interface {
	Create(ctx context.Context, imageEncoding, upc string, wf WorkflowContext) (json.RawMessage, error)
}

// IngredientParsingService extracts an ingredient list from a photo, with
// optional pre-existing product data for context-aware parsing.
type IngredientParsingService interface {
	Parse(ctx context.Context, imageEncoding, upc string, existing json.RawMessage) (json.RawMessage, error)
}

// ImageUploadService stores a product photo and attaches its URL to the
// product record.
type ImageUploadService interface {
	Upload(ctx context.Context, imageRef, upc string) (string, error)
	UpdateRecord(ctx context.Context, upc, url string) (json.RawMessage, error)
}

// ImageEncoder converts a local image reference into the transfer encoding
// the remote services expect.
type ImageEncoder interface {
	Encode(ctx context.Context, imageRef string) (string, error)
}

// ProcessorDeps bundles the external collaborators the processor set needs.
type ProcessorDeps struct {
	Creator  ProductCreationService
	Parser   IngredientParsingService
	Uploader ImageUploadService
	Encoder  ImageEncoder
}

// NewProcessorSet builds the closed job-type -> strategy table the engine is
// constructed with. Each processor calls exactly one external service
// boundary and returns its payload verbatim.
func NewProcessorSet(deps ProcessorDeps) map[storage.JobType]Processor {
	return map[storage.JobType]Processor{
		storage.TypeProductCreation:    createProductProcessor(deps),
		storage.TypeIngredientParsing:  parseIngredientsProcessor(deps),
		storage.TypeProductPhotoUpload: uploadPhotoProcessor(deps),
	}
}

// encodedImage returns the job's cached transfer encoding, producing and
// caching it on first use so retries skip the work.
func encodedImage(ctx context.Context, enc ImageEncoder, job *storage.Job) (string, error) {
	if job.ImageEncoding != "" {
		return job.ImageEncoding, nil
	}
	if enc == nil {
		return "", errors.New("no image encoder configured")
	}
	out, err := enc.Encode(ctx, job.ImageRef)
	if err != nil {
		return "", fmt.Errorf("encode image %q: %w", job.ImageRef, err)
	}
	job.ImageEncoding = out
	return out, nil
}

func createProductProcessor(deps ProcessorDeps) Processor {
	return func(ctx context.Context, job *storage.Job) (json.RawMessage, error) {
		enc, err := encodedImage(ctx, deps.Encoder, job)
		if err != nil {
			return nil, err
		}
		return deps.Creator.Create(ctx, enc, job.UPC, WorkflowContext{
			Type:  job.WorkflowType,
			Steps: job.WorkflowSteps,
		})
	}
}

func parseIngredientsProcessor(deps ProcessorDeps) Processor {
	return func(ctx context.Context, job *storage.Job) (json.RawMessage, error) {
		enc, err := encodedImage(ctx, deps.Encoder, job)
		if err != nil {
			return nil, err
		}
		return deps.Parser.Parse(ctx, enc, job.UPC, job.ExistingData)
	}
}

func uploadPhotoProcessor(deps ProcessorDeps) Processor {
	return func(ctx context.Context, job *storage.Job) (json.RawMessage, error) {
		url, err := deps.Uploader.Upload(ctx, job.ImageRef, job.UPC)
		if err != nil {
			return nil, err
		}
		updated, err := deps.Uploader.UpdateRecord(ctx, job.UPC, url)
		if err != nil {
			return nil, err
		}
		out, err := json.Marshal(map[string]json.RawMessage{
			"imageUrl": json.RawMessage(fmt.Sprintf("%q", url)),
			"product":  updated,
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}
