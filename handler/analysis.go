package handler

import (
	"net/http"
	"time"

	"github.com/AnTengye/pagelens/backend/middleware"
	"github.com/AnTengye/pagelens/backend/model"
	"github.com/AnTengye/pagelens/backend/service"
	"github.com/gin-gonic/gin"
)

type AnalysisHandler struct {
	pipeline *service.Pipeline
	ledger   *service.LedgerService
}

func NewAnalysisHandler(pipeline *service.Pipeline, ledger *service.LedgerService) *AnalysisHandler {
	return &AnalysisHandler{
		pipeline: pipeline,
		ledger:   ledger,
	}
}

type AnalyzeRequest struct {
	URL      string `json:"url" binding:"required"`
	Content  string `json:"content" binding:"required"`
	Language string `json:"language"`
}

type AnalyzeResponse struct {
	JobID  string          `json:"job_id"`
	Status model.JobStatus `json:"status"`
}

// Analyze queues an analysis job for the authenticated owner
func (h *AnalysisHandler) Analyze(c *gin.Context) {
	owner := middleware.GetOwner(c)

	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: url and content are required"})
		return
	}

	// First contact creates the account with the starting balance
	if _, err := h.ledger.EnsureAccount(c.Request.Context(), owner); err != nil {
		respondError(c, err)
		return
	}

	jobID, err := h.pipeline.Submit(c.Request.Context(), service.SubmitRequest{
		SubjectRef: req.URL,
		Content:    req.Content,
		Language:   req.Language,
		Owner:      owner,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, AnalyzeResponse{
		JobID:  jobID,
		Status: model.JobQueued,
	})
}

// GetJob returns a job snapshot. Jobs of other owners read as missing.
func (h *AnalysisHandler) GetJob(c *gin.Context) {
	owner := middleware.GetOwner(c)
	id := c.Param("id")

	job, err := h.pipeline.Job(id)
	if err != nil {
		respondError(c, err)
		return
	}
	if job.Owner != owner {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}

	c.JSON(http.StatusOK, job)
}

// GetReport browses a cached report by subject hash. It is never billed.
func (h *AnalysisHandler) GetReport(c *gin.Context) {
	hash := c.Param("hash")

	lang, err := h.pipeline.Languages().Resolve(c.Query("language"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	report, err := h.pipeline.LookupCachedReport(hash, lang)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

// Languages lists the supported analysis languages
func (h *AnalysisHandler) Languages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"languages": h.pipeline.Languages().Supported(),
	})
}

// Health reports liveness plus job and cache counters
func (h *AnalysisHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"stats":     h.pipeline.Stats(),
	})
}
