package handlers

import (
	"bytes"
	"encoding/csv"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"roulette/internal/models"
	"roulette/internal/services"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/google/logger"
	"github.com/google/uuid"
)

const (
	tenantCookie = "roulette_tenant"
	tenantKey    = "tenantID"

	// isoMillis matches the millisecond ISO-8601 form browsers produce.
	isoMillis = "2006-01-02T15:04:05.000Z"
)

// HTTPHandler holds the dependencies for the HTTP handlers, like the roulette service.
type HTTPHandler struct {
	service   *services.RouletteService
	templates *template.Template
}

// NewHTTPHandler creates a new HTTPHandler.
func NewHTTPHandler(service *services.RouletteService, templates *template.Template) *HTTPHandler {
	return &HTTPHandler{
		service:   service,
		templates: templates,
	}
}

// TemplateFuncs are the helpers available to the page templates.
func TemplateFuncs() template.FuncMap {
	return template.FuncMap{
		"comma": func(n int) string { return humanize.Comma(int64(n)) },
		"inc":   func(i int) int { return i + 1 },
	}
}

// renderPage is a helper to perform a two-step template rendering.
// It first executes the content template into a buffer, then executes the main
// layout template, passing the rendered content as a variable.
func (h *HTTPHandler) renderPage(c *gin.Context, pageData gin.H, contentTmpl string) {
	buf := new(bytes.Buffer)
	if err := h.templates.ExecuteTemplate(buf, contentTmpl, pageData); err != nil {
		logger.Errorf("Error executing content template %s: %v", contentTmpl, err)
		c.String(http.StatusInternalServerError, "Template rendering error")
		return
	}

	pageData["PageContent"] = template.HTML(buf.String())

	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := h.templates.ExecuteTemplate(c.Writer, "layout.html", pageData); err != nil {
		logger.Errorf("Error executing layout template: %v", err)
		c.String(http.StatusInternalServerError, "Template rendering error")
	}
}

// TenantMiddleware assigns each browser a session id stored in a cookie.
func (h *HTTPHandler) TenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, err := c.Cookie(tenantCookie)
		if err != nil || !validTenantID(tenantID) {
			tenantID = uuid.NewString()
			c.SetSameSite(http.SameSiteLaxMode)
			c.SetCookie(tenantCookie, tenantID, 0, "/", "", false, true)
		}
		c.Set(tenantKey, tenantID)
		c.Next()
	}
}

func validTenantID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func tenant(c *gin.Context) string {
	return c.GetString(tenantKey)
}

// RegisterPublicRoutes registers routes that need no session.
func (h *HTTPHandler) RegisterPublicRoutes(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
}

// RegisterTenantRoutes registers the routes that operate on the caller's session.
func (h *HTTPHandler) RegisterTenantRoutes(router *gin.RouterGroup) {
	router.GET("/", h.ShowIndex)
	router.GET("/partials/winners", h.GetWinnerListPartial)
	router.GET("/export-winners-csv", h.ExportWinnersCSV)

	api := router.Group("/api")
	{
		api.GET("/state", h.GetState)
		api.POST("/getRetweeter", h.GetRetweeters)
		api.POST("/draw", h.PerformDraw)
		api.POST("/draw/complete", h.CompleteDraw)
		api.POST("/winners/reset", h.ResetWinners)
		api.POST("/session/clear", h.ClearSession)
	}
}

// ShowIndex handles the request for the roulette page.
func (h *HTTPHandler) ShowIndex(c *gin.Context) {
	snap := h.service.Snapshot(tenant(c))
	data := gin.H{
		"title":    "Retweet Roulette",
		"Snapshot": snap,
	}
	h.renderPage(c, data, "index.html")
}

// GetWinnerListPartial returns the HTML partial for the winner list.
func (h *HTTPHandler) GetWinnerListPartial(c *gin.Context) {
	data := gin.H{"Winners": h.service.Winners(tenant(c))}
	if err := h.templates.ExecuteTemplate(c.Writer, "winner_list.html", data); err != nil {
		logger.Errorf("Error executing template: %v", err)
		c.String(http.StatusInternalServerError, "Template error")
	}
}

// GetState returns the pool, wheel segments and winners of the session.
func (h *HTTPHandler) GetState(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Snapshot(tenant(c)))
}

// collectRequest is the body of a retweeter fetch. The tweetId, bearerToken
// and nextToken names are accepted for older clients.
type collectRequest struct {
	PostID      string  `json:"postId"`
	TweetID     string  `json:"tweetId"`
	Credential  string  `json:"credential"`
	BearerToken string  `json:"bearerToken"`
	Cursor      *string `json:"cursor"`
	NextToken   *string `json:"nextToken"`
}

// GetRetweeters fetches every retweeter of a post and adds them to the pool.
func (h *HTTPHandler) GetRetweeters(c *gin.Context) {
	var req collectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, models.ValidationError("invalid request body"))
		return
	}

	credential := firstNonEmpty(req.Credential, req.BearerToken)
	if strings.TrimSpace(credential) == "" {
		h.writeError(c, models.ValidationError("bearer token is required"))
		return
	}
	postID, err := services.ParsePostID(firstNonEmpty(req.PostID, req.TweetID))
	if err != nil {
		h.writeError(c, err)
		return
	}
	cursor := req.Cursor
	if cursor == nil || *cursor == "" {
		cursor = req.NextToken
	}
	if cursor != nil && *cursor == "" {
		cursor = nil
	}

	records, err := h.service.Collect(c.Request.Context(), tenant(c), postID, credential, cursor)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if records == nil {
		records = []models.UserRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"data": records})
}

// PerformDraw spins the wheel and returns the index it will stop on.
func (h *HTTPHandler) PerformDraw(c *gin.Context) {
	result, err := h.service.Draw(tenant(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// CompleteDraw records the pending winner after the spin animation ends.
func (h *HTTPHandler) CompleteDraw(c *gin.Context) {
	tenantID := tenant(c)
	result, err := h.service.CompleteDraw(tenantID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"winner":  result.Winner,
		"winners": h.service.Winners(tenantID),
	})
}

// ResetWinners clears the winner list.
func (h *HTTPHandler) ResetWinners(c *gin.Context) {
	h.service.ResetWinners(tenant(c))
	c.Status(http.StatusNoContent)
}

// ClearSession drops the pool and winners of the session.
func (h *HTTPHandler) ClearSession(c *gin.Context) {
	h.service.ClearSession(tenant(c))
	c.Status(http.StatusNoContent)
}

// ExportWinnersCSV handles the request to download the winners as a CSV file.
func (h *HTTPHandler) ExportWinnersCSV(c *gin.Context) {
	winners := h.service.Winners(tenant(c))

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment;filename=roulette_winners.csv")

	// Add BOM to ensure UTF-8 compatibility in Excel
	c.Writer.Write([]byte("\xef\xbb\xbf"))

	w := csv.NewWriter(c.Writer)

	if err := w.Write([]string{"Place", "User ID", "Display Name"}); err != nil {
		logger.Errorf("Error writing CSV header: %v", err)
		c.String(http.StatusInternalServerError, "Error writing CSV")
		return
	}

	for i, winner := range winners {
		row := []string{strconv.Itoa(i + 1), winner.ID, winner.DisplayName}
		if err := w.Write(row); err != nil {
			logger.Errorf("Error writing CSV row: %v", err)
			c.String(http.StatusInternalServerError, "Error writing CSV")
			return
		}
	}

	w.Flush()

	if err := w.Error(); err != nil {
		logger.Errorf("Error flushing CSV writer: %v", err)
		c.String(http.StatusInternalServerError, "Error writing CSV")
	}
}

// errorResponse is the JSON body of every failed API call.
type errorResponse struct {
	Error          string           `json:"error"`
	Kind           models.ErrorKind `json:"kind,omitempty"`
	RateLimitReset *string          `json:"rateLimitReset,omitempty"`
}

// writeError maps err onto an HTTP status and JSON body.
func (h *HTTPHandler) writeError(c *gin.Context, err error) {
	e, ok := models.AsError(err)
	if !ok {
		logger.Errorf("Unexpected error on %s: %v", c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "an unexpected error occurred while fetching data"})
		return
	}

	resp := errorResponse{Error: e.Message, Kind: e.Kind}
	status := http.StatusInternalServerError
	switch e.Kind {
	case models.KindValidation:
		status = http.StatusBadRequest
	case models.KindEmpty:
		status = http.StatusUnprocessableEntity
	case models.KindConflict:
		status = http.StatusConflict
	case models.KindRemote:
		if e.Status != 0 {
			status = e.Status
		}
		if e.RateLimitReset != nil {
			reset := e.RateLimitReset.UTC().Format(isoMillis)
			resp.RateLimitReset = &reset
			logger.Warningf("Remote rate limit hit; resets %s (%s)", reset, humanize.RelTime(*e.RateLimitReset, time.Now(), "from now", "ago"))
		} else {
			logger.Warningf("Remote request failed: %v", e)
		}
	}
	c.JSON(status, resp)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
