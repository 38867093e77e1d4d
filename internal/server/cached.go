package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/licensegate/internal/cache"
)

const headerCache = "X-Cache"

// Cached serves load's result through the response cache. The key covers
// the handler name, the path parameters and the query string; the entry
// expires after the data type's TTL.
func (s *Server) Cached(name, dataType string, load func(c *gin.Context) (any, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		args := make([]any, 0, len(c.Params))
		for _, param := range c.Params {
			args = append(args, param.Key+"="+param.Value)
		}
		key := cache.Key(name, args, nil, c.Request.URL.Query())

		body, hit, err := cache.Fetch(c.Request.Context(), s.responseCache, key, dataType, func(context.Context) (json.RawMessage, error) {
			value, err := load(c)
			if err != nil {
				return nil, err
			}
			return json.Marshal(value)
		})
		if err != nil {
			AbortWithError(c, err)
			return
		}

		if hit {
			c.Header(headerCache, "HIT")
		} else {
			c.Header(headerCache, "MISS")
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", body)
	}
}
