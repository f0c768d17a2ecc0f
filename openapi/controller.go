package openapi

import (
	"encoding/json"
	"net/http"

	"github.com/crudkit/crudkit/router"
)

// Controller serves the synthesized document at GET /swagger.json under
// its mount prefix. Mount records are appended as the application mounts
// its controllers, so the document always reflects the live route table.
type Controller struct {
	gen    *Generator
	mounts []router.MountInfo
}

// NewController creates a document controller.
func NewController(gen *Generator) *Controller {
	return &Controller{gen: gen}
}

// Record appends mount records to the document's route table.
func (ctrl *Controller) Record(mounts []router.MountInfo) {
	ctrl.mounts = append(ctrl.mounts, mounts...)
}

// Routes declares the document endpoint. The document is written raw, not
// wrapped into the success envelope, so standard tooling can consume it.
func (ctrl *Controller) Routes() router.RouteMap {
	return router.RouteMap{
		"document": {
			Method:  http.MethodGet,
			Path:    "/swagger.json",
			Summary: "OpenAPI document",
			Handler: func(c *router.Context) (any, error) {
				doc := ctrl.gen.Generate(ctrl.mounts)
				c.SkipEnvelope()
				c.Response.Header().Set("Content-Type", "application/json; charset=utf-8")
				c.Response.WriteHeader(http.StatusOK)
				// The status line is already out; an encode failure can
				// only be logged, not converted into an error envelope.
				if err := json.NewEncoder(c.Response).Encode(doc); err != nil {
					c.Logger().Error("failed to write document", err)
				}
				return nil, nil
			},
		},
	}
}
