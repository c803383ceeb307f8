package main

import (
	"errors"
	"net/http"

	"github.com/flakestry/flakestry/internal/auth"
	"github.com/flakestry/flakestry/internal/forge"
	"github.com/flakestry/flakestry/internal/registry"
	"github.com/flakestry/flakestry/pkg/types"
	"github.com/flakestry/flakestry/pkg/version"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func setupRouter(verifier auth.Verifier, pipeline *registry.Pipeline, queries *registry.QueryService) *gin.Engine {
	if zerolog.GlobalLevel() == zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	api := router.Group("/api")
	{
		api.POST("/publish", auth.RequireIdentity(verifier), handlePublish(pipeline))
		api.GET("/flake", handleListFlakes(queries))
		api.GET("/flake/github/:owner", handleListOwner(queries))
		api.GET("/flake/github/:owner/:repo", handleListRepo(queries))
		api.GET("/flake/github/:owner/:repo/:version", handleGetRelease(queries))
		api.POST("/flake/github/:owner/:repo/:version/reindex", handleReindex(queries))
		api.GET("/badge/flake/github/:owner/:repo", handleBadge(queries))
	}

	return router
}

// corsMiddleware allows the local development frontends to call the API.
func corsMiddleware() gin.HandlerFunc {
	allowed := map[string]bool{
		"http://localhost":      true,
		"http://localhost:8000": true,
		"http://localhost:3000": true,
		"http://localhost:1234": true,
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if allowed[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-GitHub-Token")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func handlePublish(pipeline *registry.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		claim, ok := auth.ClaimFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, types.ErrorResponse{Message: "missing identity claim"})
			return
		}

		var req types.PublishRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, types.ErrorResponse{Message: err.Error()})
			return
		}

		githubToken := c.GetHeader("X-GitHub-Token")
		if githubToken == "" {
			c.JSON(http.StatusBadRequest, types.ErrorResponse{Message: "missing X-GitHub-Token header"})
			return
		}

		input := &registry.PublishInput{
			Ref:            req.Ref,
			Version:        req.Version,
			Readme:         req.Readme,
			Metadata:       req.Metadata,
			MetadataErrors: req.MetadataErrors,
			Outputs:        req.Outputs,
			OutputsErrors:  req.OutputsErrors,
		}

		// A release that exists but is not yet searchable is still a created
		// release; the pipeline logs the indexing gap itself.
		if _, err := pipeline.Publish(c.Request.Context(), claim, githubToken, input); err != nil {
			status := publishStatus(err)
			if status == http.StatusInternalServerError {
				log.Error().Err(err).Str("repository", claim.Repository).Msg("publish failed")
			}
			c.JSON(status, types.ErrorResponse{Message: err.Error()})
			return
		}

		c.JSON(http.StatusCreated, gin.H{})
	}
}

// publishStatus maps pipeline failures onto response status classes.
func publishStatus(err error) int {
	switch {
	case errors.Is(err, registry.ErrMissingRefOrVersion),
		errors.Is(err, version.ErrMalformedVersion):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrVersionExists):
		return http.StatusConflict
	case errors.Is(err, forge.ErrRefNotFound):
		return http.StatusNotFound
	case errors.Is(err, forge.ErrAuthRejected):
		return http.StatusUnauthorized
	case errors.Is(err, forge.ErrUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func handleListFlakes(queries *registry.QueryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		response, err := queries.ListRecent(c.Request.Context(), c.Query("q"))
		if err != nil {
			log.Error().Err(err).Msg("failed to list flakes")
			c.JSON(http.StatusInternalServerError, types.ErrorResponse{Message: "failed to list flakes"})
			return
		}
		c.JSON(http.StatusOK, response)
	}
}

func handleListOwner(queries *registry.QueryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		response, err := queries.ListByOwner(c.Request.Context(), c.Param("owner"))
		if err != nil {
			log.Error().Err(err).Str("owner", c.Param("owner")).Msg("failed to list owner")
			c.JSON(http.StatusInternalServerError, types.ErrorResponse{Message: "failed to list owner"})
			return
		}
		c.JSON(http.StatusOK, response)
	}
}

func handleListRepo(queries *registry.QueryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		response, err := queries.ListByRepository(c.Request.Context(), c.Param("owner"), c.Param("repo"))
		if err != nil {
			if errors.Is(err, registry.ErrRepositoryNotFound) {
				c.JSON(http.StatusNotFound, types.ErrorResponse{Message: err.Error()})
				return
			}
			log.Error().Err(err).Str("repo", c.Param("owner")+"/"+c.Param("repo")).Msg("failed to list repository")
			c.JSON(http.StatusInternalServerError, types.ErrorResponse{Message: "failed to list repository"})
			return
		}
		c.JSON(http.StatusOK, response)
	}
}

func handleGetRelease(queries *registry.QueryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		release, err := queries.GetRelease(c.Request.Context(),
			c.Param("owner"), c.Param("repo"), c.Param("version"))
		if err != nil {
			log.Error().Err(err).Msg("failed to get release")
			c.JSON(http.StatusInternalServerError, types.ErrorResponse{Message: "failed to get release"})
			return
		}
		if release == nil {
			c.JSON(http.StatusNotFound, types.ErrorResponse{Message: "release not found"})
			return
		}
		c.JSON(http.StatusOK, release)
	}
}

func handleReindex(queries *registry.QueryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := queries.Reindex(c.Request.Context(),
			c.Param("owner"), c.Param("repo"), c.Param("version"))
		if err != nil {
			if errors.Is(err, registry.ErrReleaseNotFound) {
				c.JSON(http.StatusNotFound, types.ErrorResponse{Message: err.Error()})
				return
			}
			log.Error().Err(err).Msg("failed to reindex release")
			c.JSON(http.StatusInternalServerError, types.ErrorResponse{Message: "failed to reindex release"})
			return
		}
		c.JSON(http.StatusOK, gin.H{})
	}
}

func handleBadge(queries *registry.QueryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		svg, err := queries.Badge(c.Request.Context(), c.Param("owner"), c.Param("repo"))
		if err != nil {
			if errors.Is(err, registry.ErrRepositoryNotFound) || errors.Is(err, registry.ErrNoReleases) {
				c.JSON(http.StatusNotFound, types.ErrorResponse{Message: err.Error()})
				return
			}
			log.Error().Err(err).Msg("failed to render badge")
			c.JSON(http.StatusInternalServerError, types.ErrorResponse{Message: "failed to render badge"})
			return
		}
		c.Data(http.StatusOK, "image/svg+xml", []byte(svg))
	}
}
