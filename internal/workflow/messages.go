package workflow

import (
	"encoding/json"

	"scan-job-queue/internal/storage"
)

// ErrorCategory buckets a failed job for message selection.
type ErrorCategory string

const (
	CategoryProductCreation ErrorCategory = "product_creation"
	CategoryIngredientScan  ErrorCategory = "ingredient_scan"
	CategoryPhotoUpload     ErrorCategory = "photo_upload"
)

// classify maps a failed job's type onto its error category.
func classify(t storage.JobType) ErrorCategory {
	switch t {
	case storage.TypeProductCreation:
		return CategoryProductCreation
	case storage.TypeIngredientParsing:
		return CategoryIngredientScan
	default:
		return CategoryPhotoUpload
	}
}

// dominant picks the message-driving category. The earliest, most
// foundational failure wins: product creation, then ingredient scan, then
// photo upload.
func dominant(cats map[ErrorCategory]struct{}) ErrorCategory {
	if _, ok := cats[CategoryProductCreation]; ok {
		return CategoryProductCreation
	}
	if _, ok := cats[CategoryIngredientScan]; ok {
		return CategoryIngredientScan
	}
	return CategoryPhotoUpload
}

// errorMessage renders the single aggregate message for a failed workflow.
// Wording is workflow-specific: the same failure reads differently depending
// on which photo the user actually took.
func errorMessage(wf storage.WorkflowType, cat ErrorCategory) string {
	switch wf {
	case storage.WorkflowReportProductIssue:
		if cat == CategoryIngredientScan {
			return "We couldn't read the ingredients from your photo. Please try again."
		}
		return "Invalid product photo. Please retake it with the product clearly visible."
	case storage.WorkflowReportIngredientIssue:
		return "Invalid ingredients photo. Please retake it with the ingredients list clearly visible."
	default: // add_new_product and individual fallbacks
		switch cat {
		case CategoryProductCreation:
			return "We couldn't identify the product from your photo. Please try again with a clearer photo."
		case CategoryIngredientScan:
			return "We couldn't read the ingredients from your photo. Please try again."
		default:
			return "The product photo couldn't be uploaded. Please try again."
		}
	}
}

// successMessage renders the terminal notification for a completed workflow.
func successMessage(wf storage.WorkflowType) string {
	switch wf {
	case storage.WorkflowReportProductIssue:
		return "Thanks! The product photo was updated."
	case storage.WorkflowReportIngredientIssue:
		return "Thanks! The ingredients were updated."
	default:
		return "Product added to your history."
	}
}

// resultQuality is the slice of a processor payload the confidence
// classifier looks at. Domain-signaled failures arrive here, not as errors.
type resultQuality struct {
	Success    *bool   `json:"success"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error"`
}

// lowConfidence flags a completed job whose payload signals a poor result:
// an embedded error string, an explicit success=false, or confidence under
// the threshold the app bakes in.
func lowConfidence(result json.RawMessage) (string, bool) {
	if len(result) == 0 {
		return "", false
	}
	var q resultQuality
	if err := json.Unmarshal(result, &q); err != nil {
		return "", false
	}
	if q.Error != "" {
		return q.Error, true
	}
	if q.Success != nil && !*q.Success {
		return "The scan didn't produce a usable result. Please try again.", true
	}
	if q.Confidence > 0 && q.Confidence < 0.5 {
		return "We're not confident about this scan. You may want to retake the photo.", true
	}
	return "", false
}

// extractProduct pulls the product snapshot out of a processor payload,
// falling back to the whole payload when there is no product field.
func extractProduct(result json.RawMessage) json.RawMessage {
	if len(result) == 0 {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(result, &fields); err != nil {
		return nil
	}
	if p, ok := fields["product"]; ok && string(p) != "null" {
		return p
	}
	return result
}
