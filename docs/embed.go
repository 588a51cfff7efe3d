package docs

import _ "embed"

//go:embed campaign-api.openapi.yaml
var embeddedCampaignOpenAPI []byte

//go:embed swagger.html
var embeddedCampaignSwaggerHTML []byte

// CampaignOpenAPI is the OpenAPI document of campaign-api.
var CampaignOpenAPI = embeddedCampaignOpenAPI

// CampaignSwaggerHTML is the Swagger UI page that renders CampaignOpenAPI.
var CampaignSwaggerHTML = embeddedCampaignSwaggerHTML
