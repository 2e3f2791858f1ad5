package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// wrapMiddleware adapts one of infrastructure/middleware's stdlib-shaped
// func(http.Handler) http.Handler middlewares into a gin.HandlerFunc:
// every request is threaded through the stdlib chain with c.Next() as the
// terminal handler so gin's own routing and handlers still run downstream.
func wrapMiddleware(mw func(http.Handler) http.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		terminal := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c.Request = r
			c.Next()
		})
		mw(terminal).ServeHTTP(c.Writer, c.Request)
	}
}
