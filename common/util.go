package common

import (
	"context"
	"fmt"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// RequestParam is a helper object for logging a request's parameters into its context
type RequestParam struct {
	// ID is the request ID
	ID string `json:"id"`
	// Method is the request method: DELETE, POST, PUT, GET, etc.
	Method string `json:"method"`
	// URI is the request URI
	URI string `json:"uri"`
}

// updateLogTags updates Apex log.Fields map with values from the request's parameters
func (i *RequestParam) updateLogTags(tags log.Fields) {
	tags["request_id"] = i.ID
	tags["request_method"] = i.Method
	tags["request_uri"] = fmt.Sprintf("'%s'", i.URI)
}

// UpdateLogTags produces a copy of the log tags annotated with the request
// parameters carried by the context, if any
func UpdateLogTags(ctxt context.Context, original log.Fields) (log.Fields, error) {
	result := log.Fields{}
	for field, value := range original {
		result[field] = value
	}
	if ctxt == nil {
		return result, nil
	}
	if param, ok := ctxt.Value(RequestParam{}).(RequestParam); ok {
		param.updateLogTags(result)
	}
	return result, nil
}
