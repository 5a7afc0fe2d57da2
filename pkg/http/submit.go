package http

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	herrors "github.com/armorclaw/errorhub/pkg/errors"
	"github.com/armorclaw/errorhub/pkg/model"
)

// errorBody is the error carried by a submission
type errorBody struct {
	Type    string `json:"type" binding:"required,max=256"`
	Message string `json:"message" binding:"max=8192"`
	Detail  string `json:"detail" binding:"max=65536"`
}

// submitRequest is the JSON form of a submission
type submitRequest struct {
	SourceID string    `json:"sourceId" binding:"required,max=256,excludesall=/"`
	Error    errorBody `json:"error"`
	ErrorID  string    `json:"errorId" binding:"omitempty,max=128"`
	InfoURL  string    `json:"infoUrl" binding:"omitempty,url"`
}

// submitForm is the form-encoded submission; Error is base64 JSON
type submitForm struct {
	SourceID string `form:"sourceId" binding:"required,max=256,excludesall=/"`
	Error    string `form:"error" binding:"required,base64"`
	ErrorID  string `form:"errorId" binding:"omitempty,max=128"`
	InfoURL  string `form:"infoUrl" binding:"omitempty,url"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code,omitempty"`
	Details []string `json:"details,omitempty"`
}

// handleSubmit handles POST /errors.
//
// Response:
//
//	201 Created: the stored payload
//	400 Bad Request: validation error
//	429 Too Many Requests: source exceeded its rate
//	503 Service Unavailable: inbox stopped or backlog failure
func (s *Server) handleSubmit(c *gin.Context) {
	payload, err := bindSubmission(c)
	if err != nil {
		respondError(c, err)
		return
	}

	if !s.limiter.allow(payload.SourceID) {
		respondError(c, herrors.ErrRateLimited(payload.SourceID))
		return
	}

	if payload.ErrorID == "" {
		payload.ErrorID = uuid.NewString()
	}

	stored, err := s.deps.Inbox.Post(c.Request.Context(), payload)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

func bindSubmission(c *gin.Context) (model.ErrorPayload, error) {
	if c.ContentType() == binding.MIMEJSON {
		var req submitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return model.ErrorPayload{}, invalidPayload(err)
		}
		return model.ErrorPayload{
			SourceID: req.SourceID,
			Error:    model.Error(req.Error),
			ErrorID:  req.ErrorID,
			InfoURL:  req.InfoURL,
		}, nil
	}

	var form submitForm
	if err := c.ShouldBind(&form); err != nil {
		return model.ErrorPayload{}, invalidPayload(err)
	}

	raw, err := base64.StdEncoding.DecodeString(form.Error)
	if err != nil {
		return model.ErrorPayload{}, herrors.ErrInvalidPayload("error is not base64")
	}
	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return model.ErrorPayload{}, herrors.ErrInvalidPayload("error is not a JSON object")
	}
	if err := binding.Validator.ValidateStruct(&body); err != nil {
		return model.ErrorPayload{}, invalidPayload(err)
	}

	return model.ErrorPayload{
		SourceID: form.SourceID,
		Error:    model.Error(body),
		ErrorID:  form.ErrorID,
		InfoURL:  form.InfoURL,
	}, nil
}

func invalidPayload(err error) error {
	return herrors.ErrInvalidPayload(validationReason(err))
}

// validationReason lists the failing fields of a binding error
func validationReason(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field()+": "+fe.Tag())
	}
	return strings.Join(fields, "; ")
}

// sourceLimiter keeps one token bucket per source
type sourceLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	sources map[string]*sourceBucket
}

type sourceBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newSourceLimiter(perSecond float64, burst int) *sourceLimiter {
	if burst < 1 {
		burst = 1
	}
	return &sourceLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		sources: make(map[string]*sourceBucket),
	}
}

// allow reports whether source may submit now. A zero rate is unlimited.
func (l *sourceLimiter) allow(source string) bool {
	if l.limit <= 0 {
		return true
	}

	l.mu.Lock()
	b, ok := l.sources[source]
	if !ok {
		b = &sourceBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.sources[source] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()

	return b.limiter.Allow()
}

// sweep drops the buckets not used since before and returns how many were dropped
func (l *sourceLimiter) sweep(before time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	dropped := 0
	for source, b := range l.sources {
		if b.lastSeen.Before(before) {
			delete(l.sources, source)
			dropped++
		}
	}
	return dropped
}

func (l *sourceLimiter) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sources)
}
