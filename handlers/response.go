package handlers

import "github.com/gin-gonic/gin"

// The repository carries two response envelopes, one per route
// family. Order routes answer {data, meta:{code,message,...}};
// deal and product routes answer {success, message, data, pagination}.

type meta struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Page    int    `json:"page,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Total   int    `json:"total,omitempty"`
}

func respondMeta(c *gin.Context, status int, message string, data any) {
	c.JSON(status, gin.H{
		"data": data,
		"meta": meta{Code: status, Message: message},
	})
}

func respondMetaList(c *gin.Context, status int, message string, data any, page, limit, total int) {
	c.JSON(status, gin.H{
		"data": data,
		"meta": meta{Code: status, Message: message, Page: page, Limit: limit, Total: total},
	})
}

func respondMetaError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{
		"data": nil,
		"meta": meta{Code: status, Message: message},
	})
}

type pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

func respondSuccess(c *gin.Context, status int, message string, data any) {
	c.JSON(status, gin.H{
		"success": true,
		"message": message,
		"data":    data,
	})
}

func respondSuccessList(c *gin.Context, status int, message string, data any, page, limit, total int) {
	totalPages := 0
	if limit > 0 {
		totalPages = (total + limit - 1) / limit
	}
	c.JSON(status, gin.H{
		"success": true,
		"message": message,
		"data":    data,
		"pagination": pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: totalPages,
		},
	})
}

func respondFailure(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{
		"success": false,
		"message": message,
	})
}
