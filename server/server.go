// Package server is the job-submission daemon around the sandbox engine:
// HTTP routes, the in-memory job table and the per-IP admission policy.
package server

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"sandrun/entities"
	"sandrun/identity"
	"sandrun/utils"
)

type Server struct {
	queue   *Queue
	limiter *RateLimiter
	signer  *identity.WorkerIdentity

	engine   *gin.Engine
	validate *validator.Validate
}

type submitRequest struct {
	Code           string `json:"code" validate:"required"`
	Interpreter    string `json:"interpreter" validate:"required"`
	TimeoutSeconds uint64 `json:"timeout_seconds" validate:"omitempty,lte=300"`
	MemoryLimit    uint64 `json:"memory_limit_bytes"`
	CpuQuotaUs     uint64 `json:"cpu_quota_us"`
	AllowNetwork   bool   `json:"allow_network"`
	Secret         string `json:"secret"`
}

func New(queue *Queue, limiter *RateLimiter, signer *identity.WorkerIdentity) *Server {
	s := &Server{
		queue:    queue,
		limiter:  limiter,
		signer:   signer,
		validate: validator.New(),
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/", s.handleInfo)
	engine.GET("/stats", s.handleStats)
	engine.POST("/jobs", s.handleSubmit)
	engine.GET("/jobs/:id", s.handleStatus)
	engine.GET("/jobs/:id/logs", s.handleLogs)
	engine.GET("/jobs/:id/outputs", s.handleOutputs)
	engine.GET("/jobs/:id/download", s.handleDownload)
	engine.DELETE("/jobs/:id", s.handleCancel)

	s.engine = engine
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Run(addr string) error {
	logrus.WithFields(logrus.Fields{
		"addr":     addr,
		"instance": utils.InstanceId,
	}).Info("Starting the job server")
	return s.engine.Run(addr)
}

func (s *Server) handleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":      "sandrun",
		"instance_id":  utils.InstanceId,
		"interpreters": entities.Interpreters(),
		"public_key":   s.publicKey(),
	})
}

func (s *Server) publicKey() string {
	if s.signer == nil {
		return ""
	}
	return s.signer.PublicKey()
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"quota": s.limiter.CheckQuota(c.ClientIP()),
		"jobs":  s.queue.Overview(),
	})
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	interpreter := entities.Interpreter(req.Interpreter)
	if !interpreter.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":     fmt.Sprintf("Unsupported interpreter: %s", req.Interpreter),
			"supported": entities.Interpreters(),
		})
		return
	}

	ip := c.ClientIP()
	if quota := s.limiter.CheckQuota(ip); !quota.CanSubmit {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": quota.Reason, "quota": quota})
		return
	}

	job := &Job{
		Id:       utils.NewJobId(),
		ClientIp: ip,
		Code:     []byte(req.Code),
		Config: entities.SandboxConfig{
			MemoryLimitBytes: req.MemoryLimit,
			CpuQuotaUs:       req.CpuQuotaUs,
			TimeoutSeconds:   req.TimeoutSeconds,
			AllowNetwork:     req.AllowNetwork,
			Interpreter:      interpreter,
		}.WithDefaults(),
	}
	if req.Secret != "" {
		job.SecretHash = hashSecret(req.Secret)
	}

	if err := s.queue.Enqueue(job); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id":  job.Id,
		"message": fmt.Sprintf("%s job enqueued", interpreter),
	})
}

// authorize loads the job and enforces its optional secret. Jobs without
// a secret are readable by anyone holding the id.
func (s *Server) authorize(c *gin.Context) (Job, bool) {
	job, ok := s.queue.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return Job{}, false
	}

	if job.SecretHash != "" {
		provided := hashSecret(c.Query("secret"))
		if subtle.ConstantTimeCompare([]byte(provided), []byte(job.SecretHash)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid job secret"})
			return Job{}, false
		}
	}

	return job, true
}

func (s *Server) handleStatus(c *gin.Context) {
	job, ok := s.authorize(c)
	if !ok {
		return
	}

	body := gin.H{
		"job_id": job.Id,
		"status": job.Status,
	}
	if job.Status == StatusCompleted || job.Status == StatusFailed {
		body["exit_code"] = job.Result.ExitCode
		body["cpu_seconds"] = job.Result.CpuSeconds
		body["memory_bytes"] = job.Result.MemoryBytes
		body["wall_time_ms"] = job.Result.WallTimeMs
		if job.Result.Error != "" {
			body["error"] = job.Result.Error
		}
		if job.Signature != "" {
			body["signature"] = job.Signature
			body["public_key"] = s.publicKey()
		}
		if job.Proof != nil {
			body["proof"] = job.Proof
			body["proof_hash"] = job.ProofHash
		}
	}

	c.JSON(http.StatusOK, body)
}

func (s *Server) handleLogs(c *gin.Context) {
	job, ok := s.authorize(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id": job.Id,
		"status": job.Status,
		"stdout": job.Result.Stdout,
		"stderr": job.Result.Stderr,
	})
}

func (s *Server) handleOutputs(c *gin.Context) {
	job, ok := s.authorize(c)
	if !ok {
		return
	}

	outputs := make([]gin.H, 0, len(job.Result.Artifacts))
	for _, artifact := range job.Result.Artifacts {
		outputs = append(outputs, gin.H{
			"path":         artifact.Path,
			"size":         artifact.Size,
			"sha256":       artifact.Sha256,
			"download_url": fmt.Sprintf("/jobs/%s/download?path=%s", job.Id, artifact.Path),
		})
	}

	c.JSON(http.StatusOK, gin.H{"job_id": job.Id, "files": outputs})
}

// handleDownload streams the whole artifact archive, or a single file out
// of it when ?path= is given. The requested path is scoped with
// securejoin so it cannot name anything outside the archive root.
func (s *Server) handleDownload(c *gin.Context) {
	job, ok := s.authorize(c)
	if !ok {
		return
	}
	if len(job.Archive) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job produced no output files"})
		return
	}

	requested := c.Query("path")
	if requested == "" {
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.tar.zst"`, job.Id))
		c.Data(http.StatusOK, "application/zstd", job.Archive)
		return
	}

	scoped, err := securejoin.SecureJoin("/", requested)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid file path"})
		return
	}
	content, err := extractArtifact(job.Archive, strings.TrimPrefix(scoped, "/"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found in job outputs"})
		return
	}

	c.Data(http.StatusOK, "application/octet-stream", content)
}

func extractArtifact(archive []byte, path string) ([]byte, error) {
	decompressor, err := zstd.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, err
	}
	defer decompressor.Close()

	return readTarEntry(decompressor.IOReadCloser(), path)
}

func (s *Server) handleCancel(c *gin.Context) {
	job, ok := s.authorize(c)
	if !ok {
		return
	}

	if !s.queue.Cancel(job.Id) {
		c.JSON(http.StatusConflict, gin.H{"error": "Job is not cancellable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"job_id": job.Id, "message": "Job canceled"})
}

// SignCompleted attaches the worker signature once a job finishes. Wired
// as the queue's completion hook by the daemon.
func (s *Server) SignCompleted(jobId string) {
	if s.signer == nil {
		return
	}

	job, ok := s.queue.Get(jobId)
	if !ok {
		return
	}
	s.queue.SetSignature(jobId, s.signer.SignResult(&job.Result))
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func readTarEntry(r io.ReadCloser, path string) ([]byte, error) {
	defer r.Close()

	reader := tar.NewReader(r)
	for {
		header, err := reader.Next()
		if err != nil {
			return nil, err
		}
		if header.Name == path {
			return io.ReadAll(io.LimitReader(reader, entities.MaxJobFilesSize))
		}
	}
}
