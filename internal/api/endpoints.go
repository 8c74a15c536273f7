package api

import (
	"math"
	"time"

	"bbj/internal/auth"
	"bbj/internal/bbjerr"
	"bbj/internal/format"
	"bbj/internal/models"
	"bbj/internal/observability/metrics"
	"bbj/internal/storage"
)

// AnonPolicy declares how an endpoint treats requests without identity.
type AnonPolicy int

const (
	// AnonAllowed endpoints accept anonymous principals unconditionally.
	AnonAllowed AnonPolicy = iota
	// AnonGated endpoints accept anonymous principals only when the board
	// configuration enables anonymous participation.
	AnonGated
	// AnonDenied endpoints always require a resolved identity.
	AnonDenied
)

// Endpoint is one entry of the static registry: the declared required
// argument names, the anonymous-access policy, and the handler body.
type Endpoint struct {
	Required  []string
	Anonymous AnonPolicy
	AdminOnly bool
	Fn        HandlerFunc
}

func (e Endpoint) allowsAnonymous(configAllows bool) bool {
	switch e.Anonymous {
	case AnonAllowed:
		return true
	case AnonGated:
		return configAllows
	default:
		return false
	}
}

// registry is the full set of named operations. It is a static table; dispatch
// is a single lookup by the request path's final segment.
var registry = map[string]Endpoint{
	"user_register": {
		Required: []string{"user_name", "auth_hash"},
		Fn:       userRegister,
	},
	"user_update": {
		Anonymous: AnonDenied,
		Fn:        userUpdate,
	},
	"get_me": {
		Fn: getMe,
	},
	"user_get": {
		Required: []string{"user"},
		Fn:       userGet,
	},
	"user_is_registered": {
		Required: []string{"target_user"},
		Fn:       userIsRegistered,
	},
	"check_auth": {
		Required: []string{"target_user", "target_hash"},
		Fn:       checkAuth,
	},
	"thread_index": {
		Fn: threadIndex,
	},
	"message_feed": {
		Required: []string{"time"},
		Fn:       messageFeed,
	},
	"thread_create": {
		Required:  []string{"title", "body"},
		Anonymous: AnonGated,
		Fn:        threadCreate,
	},
	"thread_reply": {
		Required:  []string{"thread_id", "body"},
		Anonymous: AnonGated,
		Fn:        threadReply,
	},
	"thread_load": {
		Required: []string{"thread_id"},
		Fn:       threadLoad,
	},
	"edit_query": {
		Required: []string{"thread_id", "post_id"},
		Fn:       editQuery,
	},
	"edit_post": {
		Required: []string{"thread_id", "post_id", "body"},
		Fn:       editPost,
	},
	"set_post_raw": {
		Required: []string{"thread_id", "post_id", "value"},
		Fn:       setPostRaw,
	},
	"delete_post": {
		Required: []string{"thread_id", "post_id"},
		Fn:       deletePost,
	},
	"set_thread_pin": {
		Required:  []string{"thread_id", "value"},
		AdminOnly: true,
		Fn:        setThreadPin,
	},
	"format_message": {
		Required: []string{"body", "format"},
		Fn:       formatMessage,
	},
	"db_validate": {
		Required: []string{"key", "value"},
		Fn:       dbValidate,
	},
}

// Endpoints returns the registered method names. Used by the transport to
// build its route table.
func Endpoints() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// Argument coercion helpers. JSON gives us strings, float64s, and bools;
// these translate with parameter-style failures on the wrong shape.

func stringArg(args map[string]any, key string) (string, error) {
	value, ok := args[key].(string)
	if !ok {
		return "", bbjerr.New(bbjerr.KindMissingParameter, "parameter %s must be a string", key)
	}
	return value, nil
}

func optionalStringArg(args map[string]any, key string) (*string, error) {
	raw, ok := args[key]
	if !ok {
		return nil, nil
	}
	value, ok := raw.(string)
	if !ok {
		return nil, bbjerr.New(bbjerr.KindMissingParameter, "parameter %s must be a string", key)
	}
	return &value, nil
}

func boolArg(args map[string]any, key string, fallback bool) (bool, error) {
	raw, ok := args[key]
	if !ok {
		return fallback, nil
	}
	value, ok := raw.(bool)
	if !ok {
		return false, bbjerr.New(bbjerr.KindMissingParameter, "parameter %s must be a boolean", key)
	}
	return value, nil
}

func intArg(args map[string]any, key string) (int, error) {
	switch value := args[key].(type) {
	case float64:
		if value != math.Trunc(value) {
			return 0, bbjerr.New(bbjerr.KindMissingParameter, "parameter %s must be an integer", key)
		}
		return int(value), nil
	default:
		return 0, bbjerr.New(bbjerr.KindMissingParameter, "parameter %s must be an integer", key)
	}
}

// timeArg accepts a unix timestamp, with optional fractional seconds.
func timeArg(args map[string]any, key string) (time.Time, error) {
	value, ok := args[key].(float64)
	if !ok {
		return time.Time{}, bbjerr.New(bbjerr.KindMissingParameter,
			"parameter %s must be a unix timestamp", key)
	}
	seconds, fraction := math.Modf(value)
	return time.Unix(int64(seconds), int64(fraction*float64(time.Second))).UTC(), nil
}

func paramErr(err error) error {
	return bbjerr.New(bbjerr.KindMissingParameter, "%v", err)
}

// User endpoints

func userRegister(ctx *Context) (any, error) {
	name, err := stringArg(ctx.Args, "user_name")
	if err != nil {
		return nil, err
	}
	hash, err := stringArg(ctx.Args, "auth_hash")
	if err != nil {
		return nil, err
	}
	return ctx.Repo.RegisterUser(storage.RegisterUserParams{
		Name:     name,
		AuthHash: hash,
		IsAdmin:  ctx.isAdminName != nil && ctx.isAdminName(name),
	})
}

func userUpdate(ctx *Context) (any, error) {
	if len(ctx.Args) == 0 {
		return nil, bbjerr.New(bbjerr.KindMissingParameter,
			"request body is empty; supply at least one of: user_name, auth_hash, quip, bio, color")
	}

	var update storage.UserUpdate
	var err error
	if update.Name, err = optionalStringArg(ctx.Args, "user_name"); err != nil {
		return nil, err
	}
	if update.AuthHash, err = optionalStringArg(ctx.Args, "auth_hash"); err != nil {
		return nil, err
	}
	if update.Quip, err = optionalStringArg(ctx.Args, "quip"); err != nil {
		return nil, err
	}
	if update.Bio, err = optionalStringArg(ctx.Args, "bio"); err != nil {
		return nil, err
	}
	if _, ok := ctx.Args["color"]; ok {
		color, err := intArg(ctx.Args, "color")
		if err != nil {
			return nil, err
		}
		update.Color = &color
	}
	return ctx.Repo.UpdateUser(ctx.Principal.ID, update)
}

func getMe(ctx *Context) (any, error) {
	if ctx.Principal != nil {
		return *ctx.Principal, nil
	}
	user, ok := ctx.Repo.ResolveUser(ctx.AuthorID())
	if !ok {
		return nil, bbjerr.New(bbjerr.KindMissingParameter, "user does not exist")
	}
	return user, nil
}

func userGet(ctx *Context) (any, error) {
	ref, err := stringArg(ctx.Args, "user")
	if err != nil {
		return nil, err
	}
	user, ok := ctx.Repo.ResolveUser(ref)
	if !ok {
		return nil, bbjerr.UnknownUser(ref)
	}
	return user.Externalize(), nil
}

func userIsRegistered(ctx *Context) (any, error) {
	ref, err := stringArg(ctx.Args, "target_user")
	if err != nil {
		return nil, err
	}
	_, ok := ctx.Repo.ResolveUser(ref)
	return ok, nil
}

func checkAuth(ctx *Context) (any, error) {
	ref, err := stringArg(ctx.Args, "target_user")
	if err != nil {
		return nil, err
	}
	hash, err := stringArg(ctx.Args, "target_hash")
	if err != nil {
		return nil, err
	}
	user, ok := ctx.Repo.ResolveUser(ref)
	if !ok {
		return nil, bbjerr.UnknownUser(ref)
	}
	return auth.CredentialsMatch(user.AuthHash, hash), nil
}

// Thread endpoints

func threadIndex(ctx *Context) (any, error) {
	threads, err := ctx.Repo.ThreadIndex()
	if err != nil {
		return nil, err
	}
	includeOp, err := boolArg(ctx.Args, "include_op", false)
	if err != nil {
		return nil, err
	}
	if includeOp {
		for i, thread := range threads {
			root, err := ctx.Repo.GetMessage(thread.ID, 0)
			if err != nil {
				return nil, err
			}
			threads[i].Messages = []models.Message{root}
		}
	}
	ctx.UserMap.AddThreads(threads)
	return threads, nil
}

func threadCreate(ctx *Context) (any, error) {
	title, err := stringArg(ctx.Args, "title")
	if err != nil {
		return nil, err
	}
	body, err := stringArg(ctx.Args, "body")
	if err != nil {
		return nil, err
	}
	sendRaw, err := boolArg(ctx.Args, "send_raw", false)
	if err != nil {
		return nil, err
	}

	thread, err := ctx.Repo.CreateThread(storage.CreateThreadParams{
		AuthorID: ctx.AuthorID(),
		Title:    title,
		Body:     body,
		SendRaw:  sendRaw,
	})
	if err != nil {
		return nil, err
	}
	if ctx.Principal == nil {
		metrics.ObserveAnonymousPost()
	}
	ctx.UserMap.AddThreads([]models.Thread{thread})
	return thread, nil
}

func threadReply(ctx *Context) (any, error) {
	threadID, err := stringArg(ctx.Args, "thread_id")
	if err != nil {
		return nil, err
	}
	body, err := stringArg(ctx.Args, "body")
	if err != nil {
		return nil, err
	}
	sendRaw, err := boolArg(ctx.Args, "send_raw", false)
	if err != nil {
		return nil, err
	}

	message, err := ctx.Repo.ReplyThread(threadID, ctx.AuthorID(), body, sendRaw)
	if err != nil {
		return nil, err
	}
	if ctx.Principal == nil {
		metrics.ObserveAnonymousPost()
	}
	ctx.UserMap.AddMessages([]models.Message{message})
	return message, nil
}

func threadLoad(ctx *Context) (any, error) {
	threadID, err := stringArg(ctx.Args, "thread_id")
	if err != nil {
		return nil, err
	}
	mode, err := optionalStringArg(ctx.Args, "format")
	if err != nil {
		return nil, err
	}
	opOnly, err := boolArg(ctx.Args, "op_only", false)
	if err != nil {
		return nil, err
	}

	thread, err := ctx.Repo.GetThread(threadID)
	if err != nil {
		return nil, err
	}
	if opOnly && len(thread.Messages) > 0 {
		thread.Messages = thread.Messages[:1]
	}
	if mode != nil {
		if err := formatMessages(thread.Messages, *mode); err != nil {
			return nil, err
		}
	}
	ctx.UserMap.AddMessages(thread.Messages)
	return thread, nil
}

// formatMessages applies the formatter in place, skipping raw bodies.
func formatMessages(messages []models.Message, mode string) error {
	for i, message := range messages {
		if message.SendRaw {
			continue
		}
		formatted, err := format.Apply(message.Body, mode)
		if err != nil {
			return paramErr(err)
		}
		messages[i].Body = formatted
	}
	return nil
}

func messageFeed(ctx *Context) (any, error) {
	since, err := timeArg(ctx.Args, "time")
	if err != nil {
		return nil, err
	}
	mode, err := optionalStringArg(ctx.Args, "format")
	if err != nil {
		return nil, err
	}

	feed, err := ctx.Repo.MessageFeed(since)
	if err != nil {
		return nil, err
	}
	if mode != nil {
		if err := formatMessages(feed.Messages, *mode); err != nil {
			return nil, err
		}
	}
	ctx.UserMap.AddMessages(feed.Messages)
	for _, thread := range feed.Threads {
		ctx.UserMap.Add(thread.AuthorID)
		ctx.UserMap.Add(thread.LastAuthorID)
	}
	return feed, nil
}

// Message mutation endpoints. All of these run the same authorization
// decision; anonymous principals get its distinct refusal text.

func mutableMessage(ctx *Context) (models.Message, error) {
	threadID, err := stringArg(ctx.Args, "thread_id")
	if err != nil {
		return models.Message{}, err
	}
	postID, err := intArg(ctx.Args, "post_id")
	if err != nil {
		return models.Message{}, err
	}
	message, err := ctx.Repo.GetMessage(threadID, postID)
	if err != nil {
		return models.Message{}, err
	}
	if err := auth.CanMutate(ctx.Principal, message, ctx.Now); err != nil {
		return models.Message{}, err
	}
	return message, nil
}

func editQuery(ctx *Context) (any, error) {
	message, err := mutableMessage(ctx)
	if err != nil {
		return nil, err
	}
	// unformatted body, for client-side pre-checks
	return message, nil
}

func editPost(ctx *Context) (any, error) {
	message, err := mutableMessage(ctx)
	if err != nil {
		return nil, err
	}
	body, err := stringArg(ctx.Args, "body")
	if err != nil {
		return nil, err
	}
	update := storage.MessageUpdate{Body: &body}
	if _, ok := ctx.Args["send_raw"]; ok {
		sendRaw, err := boolArg(ctx.Args, "send_raw", false)
		if err != nil {
			return nil, err
		}
		update.SendRaw = &sendRaw
	}
	return ctx.Repo.EditMessage(message.ThreadID, message.PostID, update)
}

func setPostRaw(ctx *Context) (any, error) {
	message, err := mutableMessage(ctx)
	if err != nil {
		return nil, err
	}
	value, err := boolArg(ctx.Args, "value", false)
	if err != nil {
		return nil, err
	}
	return ctx.Repo.EditMessage(message.ThreadID, message.PostID,
		storage.MessageUpdate{SendRaw: &value})
}

func deletePost(ctx *Context) (any, error) {
	message, err := mutableMessage(ctx)
	if err != nil {
		return nil, err
	}
	deletedThread, err := ctx.Repo.DeleteMessage(message.ThreadID, message.PostID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"thread_deleted": deletedThread}, nil
}

func setThreadPin(ctx *Context) (any, error) {
	threadID, err := stringArg(ctx.Args, "thread_id")
	if err != nil {
		return nil, err
	}
	value, err := boolArg(ctx.Args, "value", false)
	if err != nil {
		return nil, err
	}
	return ctx.Repo.SetThreadPin(threadID, value)
}

// Stateless endpoints

func formatMessage(ctx *Context) (any, error) {
	body, err := stringArg(ctx.Args, "body")
	if err != nil {
		return nil, err
	}
	mode, err := stringArg(ctx.Args, "format")
	if err != nil {
		return nil, err
	}
	formatted, err := format.Apply(body, mode)
	if err != nil {
		return nil, paramErr(err)
	}
	return formatted, nil
}

func dbValidate(ctx *Context) (any, error) {
	key, err := stringArg(ctx.Args, "key")
	if err != nil {
		return nil, err
	}
	value, err := stringArg(ctx.Args, "value")
	if err != nil {
		return nil, err
	}
	throw, err := boolArg(ctx.Args, "error", false)
	if err != nil {
		return nil, err
	}

	if validationErr := models.ValidateField(key, value); validationErr != nil {
		if throw {
			return nil, paramErr(validationErr)
		}
		return map[string]any{"bool": false, "description": validationErr.Error()}, nil
	}
	return map[string]any{"bool": true, "description": ""}, nil
}
