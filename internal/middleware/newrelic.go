package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
)

// TripAttributes tags the nrgin transaction with the trip id and the
// idempotency key, so a retried advance can be traced across requests.
// It must run after nrgin.Middleware.
func TripAttributes() gin.HandlerFunc {
	return func(c *gin.Context) {
		txn := nrgin.Transaction(c)
		if txn == nil {
			c.Next()
			return
		}

		if id := c.Param("id"); id != "" {
			txn.AddAttribute("tripId", id)
		}
		if key := c.GetHeader(idempotencyHeader); key != "" {
			txn.AddAttribute("idempotencyKey", key)
		}

		c.Next()

		for _, err := range c.Errors {
			txn.NoticeError(err.Err)
		}
	}
}
