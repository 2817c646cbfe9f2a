package docs

import _ "embed"

// SchedulerOpenAPI is the OpenAPI document of scheduler-api.
//
//go:embed scheduler-api.openapi.yaml
var SchedulerOpenAPI []byte

// SwaggerHTML renders SchedulerOpenAPI with Swagger UI.
//
//go:embed swagger.html
var SwaggerHTML []byte
