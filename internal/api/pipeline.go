// Package api implements the request pipeline and the endpoint registry: one
// dispatch layer that turns raw HTTP bodies into validated, authorized,
// uniformly-enveloped JSON responses.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"bbj/internal/auth"
	"bbj/internal/bbjerr"
	"bbj/internal/models"
	"bbj/internal/observability/metrics"
	"bbj/internal/storage"
)

// Pipeline is the cross-cutting wrapper every endpoint passes through: body
// decoding, identity resolution, argument validation, dispatch, usermap
// attachment, and envelope serialization. No fault escapes it.
type Pipeline struct {
	repo storage.Repository
	cfg  Config
	log  *slog.Logger
	now  func() time.Time
}

// Config is the slice of process configuration the pipeline needs. It is
// immutable after startup.
type Config struct {
	// AllowAnonymous permits unauthenticated principals on gated endpoints
	// (thread creation and replies).
	AllowAnonymous bool
	// AnonymousID is the user id recorded as the author of anonymous posts.
	// The row is bootstrapped before any request is served.
	AnonymousID string
	// IncidentDir receives one durable log file per internal error. Empty
	// disables file logging; incidents still go to the structured log.
	IncidentDir string
	// Admins lists usernames granted admin when they register.
	Admins []string
}

func (c Config) isConfiguredAdmin(name string) bool {
	for _, admin := range c.Admins {
		if strings.EqualFold(strings.TrimSpace(admin), strings.TrimSpace(name)) {
			return true
		}
	}
	return false
}

// NewPipeline constructs the dispatch layer.
func NewPipeline(repo storage.Repository, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		repo: repo,
		cfg:  cfg,
		log:  logger,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Context carries everything a handler may use: the decoded arguments, the
// resolved principal (nil for anonymous), the persistence handle, and the
// per-request usermap builder. Handlers never see raw headers or the raw body.
type Context struct {
	Args      map[string]any
	Principal *models.User
	Repo      storage.Repository
	UserMap   *UserMap
	Now       time.Time

	anonymousID string
	isAdminName func(string) bool
}

// AuthorID returns the id to record as author: the principal's, or the
// anonymous row's when no identity was presented.
func (c *Context) AuthorID() string {
	if c.Principal != nil {
		return c.Principal.ID
	}
	return c.anonymousID
}

// HandlerFunc is a pure translation from validated arguments and principal to
// a result or a domain failure.
type HandlerFunc func(*Context) (any, error)

// Envelope payloads. Every response, success or failure, is exactly one of
// these shapes.
type successEnvelope struct {
	Data  any                    `json:"data"`
	Users map[string]models.User `json:"users"`
}

type errorDetail struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
}

type failureEnvelope struct {
	Error errorDetail `json:"error"`
}

// ServeHTTP dispatches a request to the endpoint named by the final path
// segment. Domain failures are returned inside the envelope with HTTP 200;
// only transport-level problems (unknown method, wrong verb) use other
// status codes, and even those carry the envelope shape.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api"), "/")

	endpoint, ok := registry[name]
	if !ok {
		p.writeFailure(w, http.StatusNotFound,
			bbjerr.New(bbjerr.KindTransport, "no such method: %s", name))
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		p.writeFailure(w, http.StatusMethodNotAllowed,
			bbjerr.New(bbjerr.KindTransport, "method %s not allowed", r.Method))
		return
	}

	result, users, err := p.run(r, endpoint)
	metrics.ObserveMethodCall(name, err != nil)
	if err != nil {
		domain, ok := bbjerr.As(err)
		if !ok {
			// run coerces everything else already; this is a safety net.
			domain = bbjerr.Internal(p.logIncident(err, nil))
		}
		metrics.ObserveDomainFailure(name, domain.Kind.String())
		p.writeFailure(w, http.StatusOK, domain)
		return
	}
	p.writeJSON(w, http.StatusOK, successEnvelope{Data: result, Users: users})
}

// run executes the pipeline steps for one request. Every returned error is a
// domain error; unexpected faults and panics are coerced into the internal
// kind after being logged under a correlation id.
func (p *Pipeline) run(r *http.Request, endpoint Endpoint) (result any, users map[string]models.User, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			id := p.logIncident(fmt.Errorf("panic: %v", recovered), debug.Stack())
			result, users = nil, nil
			err = bbjerr.Internal(id)
		}
	}()

	args, err := decodeBody(r.Body)
	if err != nil {
		return nil, nil, err
	}

	principal, err := auth.Resolve(p.repo,
		r.Header.Get(auth.HeaderUser), r.Header.Get(auth.HeaderAuth))
	if err != nil {
		return nil, nil, err
	}

	if principal == nil && !endpoint.allowsAnonymous(p.cfg.AllowAnonymous) {
		return nil, nil, bbjerr.PermissionDenied(
			"anonymous principals cannot use this method")
	}
	if endpoint.AdminOnly && (principal == nil || !principal.IsAdmin) {
		return nil, nil, bbjerr.AdminRequired()
	}

	if err := validateArgs(args, endpoint.Required); err != nil {
		return nil, nil, err
	}

	ctx := &Context{
		Args:        args,
		Principal:   principal,
		Repo:        p.repo,
		UserMap:     newUserMap(p.repo),
		Now:         p.now(),
		anonymousID: p.cfg.AnonymousID,
		isAdminName: p.cfg.isConfiguredAdmin,
	}
	value, err := endpoint.Fn(ctx)
	if err != nil {
		return nil, nil, p.domainize(err)
	}
	return value, ctx.UserMap.Users(), nil
}

// decodeBody parses a non-empty request body as JSON and lowercases the
// top-level keys of object bodies for schema leniency.
func decodeBody(body io.Reader) (map[string]any, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, bbjerr.MalformedInput("read request body: %v", err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, bbjerr.MalformedInput("%v", err)
	}
	object, ok := decoded.(map[string]any)
	if !ok {
		// Non-object bodies are legal JSON; endpoints that need keys will
		// fail their required-argument check.
		return nil, nil
	}
	normalized := make(map[string]any, len(object))
	for key, value := range object {
		normalized[strings.ToLower(key)] = value
	}
	return normalized, nil
}

// validateArgs ensures the body contains every key the endpoint declares.
func validateArgs(args map[string]any, required []string) error {
	if len(required) == 0 {
		return nil
	}
	if len(args) == 0 {
		return bbjerr.EmptyBody(required)
	}
	for _, key := range required {
		if _, ok := args[key]; !ok {
			return bbjerr.MissingParameter(key, required)
		}
	}
	return nil
}

// domainize classifies a handler error: domain errors pass through verbatim,
// storage sentinels and validation failures become parameter-style errors,
// and anything else is an internal fault logged under a correlation id.
func (p *Pipeline) domainize(err error) error {
	if domain, ok := bbjerr.As(err); ok {
		return domain
	}
	var validation *models.ValidationError
	if errors.As(err, &validation) {
		return bbjerr.New(bbjerr.KindMissingParameter, "%s", validation.Description)
	}
	switch {
	case errors.Is(err, storage.ErrNameTaken):
		return bbjerr.PermissionDenied("that username is already registered")
	case errors.Is(err, storage.ErrThreadNotFound):
		return bbjerr.New(bbjerr.KindMissingParameter, "thread does not exist")
	case errors.Is(err, storage.ErrMessageNotFound):
		return bbjerr.New(bbjerr.KindMissingParameter, "post does not exist in this thread")
	case errors.Is(err, storage.ErrUserNotFound):
		return bbjerr.New(bbjerr.KindMissingParameter, "user does not exist")
	}
	return bbjerr.Internal(p.logIncident(err, debug.Stack()))
}

// logIncident records an unanticipated fault under a fresh correlation id:
// one structured log line plus, when configured, a durable per-incident file
// holding the stack trace. The id is the only detail clients ever see.
func (p *Pipeline) logIncident(err error, stack []byte) string {
	id := uuid.NewString()
	metrics.ObserveIncident()
	p.log.Error("internal error", "correlation_id", id, "error", err)
	if p.cfg.IncidentDir != "" {
		if writeErr := p.writeIncidentFile(id, err, stack); writeErr != nil {
			p.log.Error("write incident file", "correlation_id", id, "error", writeErr)
		}
	}
	return id
}

func (p *Pipeline) writeIncidentFile(id string, err error, stack []byte) error {
	if mkErr := os.MkdirAll(p.cfg.IncidentDir, 0o755); mkErr != nil {
		return mkErr
	}
	path := filepath.Join(p.cfg.IncidentDir, id+".log")
	var buf strings.Builder
	fmt.Fprintf(&buf, "correlation id: %s\ntime: %s\nerror: %v\n",
		id, p.now().Format(time.RFC3339Nano), err)
	if len(stack) > 0 {
		buf.WriteString("\n")
		buf.Write(stack)
	}
	return os.WriteFile(path, []byte(buf.String()), 0o644)
}

func (p *Pipeline) writeFailure(w http.ResponseWriter, status int, domain *bbjerr.Error) {
	p.writeJSON(w, status, failureEnvelope{Error: errorDetail{
		Code:        int(domain.Kind),
		Description: domain.Description,
	}})
}

func (p *Pipeline) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		p.log.Error("encode response", "error", err)
	}
}
