// Package apidoc serves the hand-maintained OpenAPI document and a Swagger UI
// pointing at it. Mounted in dev mode only.
package apidoc

import (
	_ "embed"
	"net/http"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

const docPath = "/openapi.yaml"

//go:embed openapi.yaml
var openapiYAML []byte

func RegisterRoutes(r gin.IRoutes) {
	r.GET(docPath, func(c *gin.Context) {
		c.Data(http.StatusOK, "application/yaml; charset=utf-8", openapiYAML)
	})
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler,
		ginSwagger.URL(docPath),
		ginSwagger.DocExpansion("list"),
	))
}
