// Package users is the dashboard's user administration surface. Every
// operation is gated locally against the session's capability set before it
// reaches the network; the server enforces the same rules authoritatively.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"userdeck.org/internal/api"
	"userdeck.org/internal/perms"
)

var (
	ErrPermissionDenied = errors.New("users: permission denied")
	ErrSelfDeletion     = errors.New("users: cannot delete own account")
	ErrInvalidInput     = errors.New("users: invalid input")
)

// AdminAPI is the slice of the API client this service drives.
type AdminAPI interface {
	ListUsers(ctx context.Context, accessToken string, filter api.UserFilter) (api.UserPage, error)
	GetUser(ctx context.Context, accessToken, id string) (api.User, error)
	CreateUser(ctx context.Context, accessToken string, req api.RegisterRequest) (api.User, error)
	UpdateUser(ctx context.Context, accessToken, id string, upd api.UserUpdate) (api.User, error)
	DeleteUser(ctx context.Context, accessToken, id string) error
	SetUserRole(ctx context.Context, accessToken, id string, role perms.Role) (api.User, error)
}

// SessionSource is what the Directory needs from the session core.
// *session.Manager satisfies it through the CurrentUserID helper.
type SessionSource interface {
	HasPermission(p perms.Permission) bool
	AccessToken() (string, error)
	CurrentUserID() string
}

// Directory drives user CRUD against the remote service.
type Directory struct {
	client  AdminAPI
	session SessionSource
	log     zerolog.Logger
}

// New constructs a Directory.
func New(client AdminAPI, session SessionSource, log zerolog.Logger) (*Directory, error) {
	if client == nil {
		return nil, errors.New("users: api client is required")
	}
	if session == nil {
		return nil, errors.New("users: session source is required")
	}
	return &Directory{client: client, session: session, log: log}, nil
}

// List returns accounts matching the filter. Requires VIEW_USERS.
func (d *Directory) List(ctx context.Context, filter api.UserFilter) (api.UserPage, error) {
	token, err := d.require(perms.ViewUsers)
	if err != nil {
		return api.UserPage{}, err
	}
	return d.client.ListUsers(ctx, token, filter)
}

// Get fetches one account. Requires VIEW_USERS.
func (d *Directory) Get(ctx context.Context, id string) (api.User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return api.User{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	token, err := d.require(perms.ViewUsers)
	if err != nil {
		return api.User{}, err
	}
	return d.client.GetUser(ctx, token, id)
}

// Create provisions an account. Requires CREATE_USERS.
func (d *Directory) Create(ctx context.Context, req api.RegisterRequest) (api.User, error) {
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" {
		return api.User{}, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	token, err := d.require(perms.CreateUsers)
	if err != nil {
		return api.User{}, err
	}
	user, err := d.client.CreateUser(ctx, token, req)
	if err != nil {
		return api.User{}, err
	}
	d.log.Info().Str("user_id", user.ID).Msg("user created")
	return user, nil
}

// Update applies a partial change. Requires EDIT_USERS.
func (d *Directory) Update(ctx context.Context, id string, upd api.UserUpdate) (api.User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return api.User{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	token, err := d.require(perms.EditUsers)
	if err != nil {
		return api.User{}, err
	}
	return d.client.UpdateUser(ctx, token, id, upd)
}

// Delete removes an account. Requires DELETE_USERS and refuses to remove
// the signed-in user's own account.
func (d *Directory) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	token, err := d.require(perms.DeleteUsers)
	if err != nil {
		return err
	}
	if id == d.session.CurrentUserID() {
		return ErrSelfDeletion
	}
	if err := d.client.DeleteUser(ctx, token, id); err != nil {
		return err
	}
	d.log.Info().Str("user_id", id).Msg("user deleted")
	return nil
}

// SetRole changes an account's role. Requires MANAGE_ROLES.
func (d *Directory) SetRole(ctx context.Context, id string, role perms.Role) (api.User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return api.User{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if len(perms.Resolve(role)) == 0 {
		return api.User{}, fmt.Errorf("%w: unknown role %s", ErrInvalidInput, role)
	}
	token, err := d.require(perms.ManageRoles)
	if err != nil {
		return api.User{}, err
	}
	user, err := d.client.SetUserRole(ctx, token, id, role)
	if err != nil {
		return api.User{}, err
	}
	d.log.Info().Str("user_id", id).Str("role", string(role)).Msg("role changed")
	return user, nil
}

// require resolves the bearer token only when the local capability check
// passes, so denied operations never touch the network.
func (d *Directory) require(p perms.Permission) (string, error) {
	if !d.session.HasPermission(p) {
		return "", fmt.Errorf("%w: %s", ErrPermissionDenied, p)
	}
	return d.session.AccessToken()
}
