package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"analytica-server/internal/analytics"
	"analytica-server/internal/auth"
	"analytica-server/internal/domain"
	"analytica-server/internal/service"
	"analytica-server/internal/storage"
)

const (
	uploadFieldName  = "dataFile"
	mirrorURLExpires = 15 * time.Minute
)

// AnalyticsClient is the outbound contract to the external analytics service.
type AnalyticsClient interface {
	Analyze(ctx context.Context, filePath string) (json.RawMessage, error)
	Predict(ctx context.Context, filePath, targetColumn string) (json.RawMessage, error)
	Query(ctx context.Context, filePath, query string) (json.RawMessage, error)
}

// Handler wires HTTP routes to domain services.
type Handler struct {
	users     service.UserService
	datasets  service.DatasetService
	analytics AnalyticsClient
	tokens    *auth.TokenIssuer
	logger    *logrus.Logger
}

func NewHandler(users service.UserService, datasets service.DatasetService, client AnalyticsClient, tokens *auth.TokenIssuer, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{
		users:     users,
		datasets:  datasets,
		analytics: client,
		tokens:    tokens,
		logger:    logger,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	router.GET("/", func(ctx *gin.Context) {
		ctx.String(http.StatusOK, "Analytica Backend is running!")
	})

	api := router.Group("/api")
	{
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusAccepted, gin.H{"ok": "ok"})
		})
		api.POST("/auth/signup", h.signup)
		api.POST("/auth/login", h.login)

		protected := api.Group("")
		protected.Use(h.requireAuth())
		{
			protected.POST("/upload", h.upload)
			protected.POST("/predict", h.predict)
			protected.POST("/query", h.query)
			protected.GET("/datasets", h.listDatasets)
			protected.DELETE("/datasets/:name", h.deleteDataset)
			protected.GET("/datasets/:name/url", h.datasetURL)
			protected.GET("/storage/objects", h.listStorageObjects)
		}
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

const contextUserIDKey = "authUserID"

// requireAuth verifies the bearer token and binds the user id to the request.
func (h *Handler) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"msg": "No token, authorization denied"})
			return
		}

		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"msg": "Token is not valid"})
			return
		}

		userID, err := h.tokens.Verify(strings.TrimSpace(token))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"msg": "Token is not valid"})
			return
		}

		c.Set(contextUserIDKey, userID)
		c.Next()
	}
}

func currentUserID(c *gin.Context) int64 {
	return c.GetInt64(contextUserIDKey)
}

type signupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"msg": "Username, email and password are required"})
		return
	}

	user, err := h.users.Signup(c.Request.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrEmailTaken):
			c.JSON(http.StatusBadRequest, gin.H{"msg": "User with this email already exists"})
		case errors.Is(err, service.ErrUsernameTaken):
			c.JSON(http.StatusBadRequest, gin.H{"msg": "Username is already taken"})
		case errors.Is(err, service.ErrMissingField):
			c.JSON(http.StatusBadRequest, gin.H{"msg": "Username, email and password are required"})
		default:
			h.logger.Errorf("signup: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"msg": "Server error"})
		}
		return
	}

	token, err := h.tokens.Issue(user.ID)
	if err != nil {
		h.logger.Errorf("issue token: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"msg": "Server error"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"token": token})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"msg": "Invalid credentials"})
		return
	}

	user, err := h.users.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusBadRequest, gin.H{"msg": "Invalid credentials"})
			return
		}
		h.logger.Errorf("login: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"msg": "Server error"})
		return
	}

	token, err := h.tokens.Issue(user.ID)
	if err != nil {
		h.logger.Errorf("issue token: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"msg": "Server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (h *Handler) upload(c *gin.Context) {
	fileHeader, err := c.FormFile(uploadFieldName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"msg": "Error: No file selected!"})
		return
	}

	src, err := fileHeader.Open()
	if err != nil {
		h.logger.Errorf("open upload: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"msg": "Server error"})
		return
	}
	defer src.Close()

	ds, err := h.datasets.Store(c.Request.Context(), currentUserID(c), uploadFieldName, fileHeader.Filename, src)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUnsupportedType):
			c.JSON(http.StatusBadRequest, gin.H{"msg": "Error: Only .csv, .xlsx, and .json files are allowed!"})
		case errors.Is(err, service.ErrNoFile):
			c.JSON(http.StatusBadRequest, gin.H{"msg": "Error: No file selected!"})
		default:
			h.logger.Errorf("store upload: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"msg": "Server error"})
		}
		return
	}

	analysis, err := h.analytics.Analyze(c.Request.Context(), ds.AbsolutePath)
	if err != nil {
		// partial success: the file is stored and retryable even though
		// analysis failed, and the client needs its handle back
		var upstream *analytics.UpstreamError
		if errors.As(err, &upstream) {
			c.JSON(http.StatusInternalServerError, gin.H{
				"msg":      "File uploaded, but analysis failed.",
				"detail":   upstream.Detail,
				"fileName": ds.StoredName,
				"filePath": clientFilePath(ds),
			})
			return
		}
		h.logger.Warnf("analyze %s: %v", ds.StoredName, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"msg":      "File uploaded, but analysis service could not be reached. Is the Python server running?",
			"fileName": ds.StoredName,
			"filePath": clientFilePath(ds),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"msg":      "File uploaded and analyzed successfully!",
		"fileName": ds.StoredName,
		"filePath": clientFilePath(ds),
		"analysis": analysis,
	})
}

type predictRequest struct {
	FileName     string `json:"fileName"`
	TargetColumn string `json:"targetColumn"`
}

func (h *Handler) predict(c *gin.Context) {
	var req predictRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.FileName == "" || req.TargetColumn == "" {
		c.JSON(http.StatusBadRequest, gin.H{"msg": "Missing file name or target column"})
		return
	}

	ds, ok := h.resolveDataset(c, req.FileName)
	if !ok {
		return
	}

	payload, err := h.analytics.Predict(c.Request.Context(), ds.AbsolutePath, req.TargetColumn)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"msg":    "Prediction service failed.",
			"detail": upstreamDetail(err),
		})
		return
	}

	c.Data(http.StatusOK, "application/json", payload)
}

type queryRequest struct {
	FileName string `json:"fileName"`
	Query    string `json:"query"`
}

func (h *Handler) query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.FileName == "" || req.Query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"msg": "Missing file name or query"})
		return
	}

	ds, ok := h.resolveDataset(c, req.FileName)
	if !ok {
		return
	}

	payload, err := h.analytics.Query(c.Request.Context(), ds.AbsolutePath, req.Query)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"msg":    "Query service failed.",
			"detail": upstreamDetail(err),
		})
		return
	}

	c.Data(http.StatusOK, "application/json", payload)
}

func (h *Handler) listDatasets(c *gin.Context) {
	datasets, err := h.datasets.ListByUser(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.logger.Errorf("list datasets: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"msg": "Server error"})
		return
	}

	resp := make([]DatasetResponse, len(datasets))
	for i := range datasets {
		resp[i] = datasetToResponse(datasets[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) deleteDataset(c *gin.Context) {
	name := c.Param("name")
	if err := h.datasets.Delete(c.Request.Context(), currentUserID(c), name); err != nil {
		switch {
		case errors.Is(err, service.ErrDatasetNotFound):
			c.JSON(http.StatusNotFound, gin.H{"msg": "File not found"})
		case errors.Is(err, service.ErrNotOwner):
			c.JSON(http.StatusForbidden, gin.H{"msg": "You do not have access to this file"})
		default:
			h.logger.Errorf("delete dataset %s: %v", name, err)
			c.JSON(http.StatusInternalServerError, gin.H{"msg": "Server error"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": name})
}

func (h *Handler) listStorageObjects(c *gin.Context) {
	objects, err := h.datasets.ListMirrorObjects(c.Request.Context(), c.Query("prefix"))
	if err != nil {
		if errors.Is(err, service.ErrMirrorDisabled) {
			c.JSON(http.StatusInternalServerError, gin.H{"msg": "Storage service not configured"})
			return
		}
		h.logger.Errorf("list storage objects: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"msg": "Server error"})
		return
	}

	resp := make([]StorageObjectResponse, len(objects))
	for i := range objects {
		resp[i] = objectToResponse(objects[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) datasetURL(c *gin.Context) {
	url, err := h.datasets.MirrorURL(c.Request.Context(), currentUserID(c), c.Param("name"), mirrorURLExpires)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrDatasetNotFound), errors.Is(err, service.ErrNotMirrored):
			c.JSON(http.StatusNotFound, gin.H{"msg": "File not found"})
		case errors.Is(err, service.ErrNotOwner):
			c.JSON(http.StatusForbidden, gin.H{"msg": "You do not have access to this file"})
		default:
			h.logger.Errorf("dataset url: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"msg": "Server error"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url})
}

// resolveDataset looks the stored name up in the index and enforces ownership.
// On failure it writes the response and returns ok=false.
func (h *Handler) resolveDataset(c *gin.Context, storedName string) (*domain.Dataset, bool) {
	ds, err := h.datasets.Resolve(c.Request.Context(), currentUserID(c), storedName)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrDatasetNotFound):
			c.JSON(http.StatusNotFound, gin.H{"msg": "File not found"})
		case errors.Is(err, service.ErrNotOwner):
			c.JSON(http.StatusForbidden, gin.H{"msg": "You do not have access to this file"})
		default:
			h.logger.Errorf("resolve dataset %s: %v", storedName, err)
			c.JSON(http.StatusInternalServerError, gin.H{"msg": "Server error"})
		}
		return nil, false
	}
	return ds, true
}

func upstreamDetail(err error) string {
	var upstream *analytics.UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Detail
	}
	return err.Error()
}

func clientFilePath(ds *domain.Dataset) string {
	return "/uploads/" + ds.StoredName
}

type DatasetResponse struct {
	ID           string `json:"id"`
	FileName     string `json:"fileName"`
	OriginalName string `json:"originalName"`
	FilePath     string `json:"filePath"`
	Size         int64  `json:"size"`
	Mirrored     bool   `json:"mirrored"`
	CreatedAt    string `json:"createdAt"`
}

type StorageObjectResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

func objectToResponse(obj storage.ObjectInfo) StorageObjectResponse {
	resp := StorageObjectResponse{
		Key:  obj.Key,
		Size: obj.Size,
	}
	if obj.LastModified != nil && !obj.LastModified.IsZero() {
		v := obj.LastModified.Format(time.RFC3339)
		resp.LastModified = &v
	}
	return resp
}

func datasetToResponse(ds domain.Dataset) DatasetResponse {
	return DatasetResponse{
		ID:           ds.ID,
		FileName:     ds.StoredName,
		OriginalName: ds.OriginalName,
		FilePath:     clientFilePath(&ds),
		Size:         ds.Size,
		Mirrored:     ds.S3Location != "",
		CreatedAt:    ds.CreatedAt.Format(time.RFC3339),
	}
}
