package docs

import _ "embed"

//go:embed messaging-engine.openapi.yaml
var embeddedEngineOpenAPI []byte

//go:embed swagger.html
var embeddedEngineSwaggerHTML []byte

// EngineOpenAPI is the OpenAPI document of the messaging engine HTTP API.
var EngineOpenAPI = embeddedEngineOpenAPI

// EngineSwaggerHTML is a Swagger UI page that loads EngineOpenAPI.
var EngineSwaggerHTML = embeddedEngineSwaggerHTML
